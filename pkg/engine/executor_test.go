package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinscribe/coinscribe/pkg/policy"
	"github.com/coinscribe/coinscribe/pkg/recipe"
)

// fakeAdapter lets each test script fetch and normalize behavior.
type fakeAdapter struct {
	name      string
	caps      []CredentialMode
	fetchFn   func(ctx context.Context, spec recipe.DatasetSpec, currency string, cred *Credential) (RawPayload, error)
	normalize func(spec recipe.DatasetSpec, payload RawPayload) ([]Column, []Row, error)

	mu         sync.Mutex
	fetchCalls int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Capabilities() []CredentialMode { return f.caps }

func (f *fakeAdapter) Fetch(ctx context.Context, spec recipe.DatasetSpec, currency string, cred *Credential) (RawPayload, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.mu.Unlock()
	if f.fetchFn != nil {
		return f.fetchFn(ctx, spec, currency, cred)
	}
	return RawPayload(`{}`), nil
}

func (f *fakeAdapter) Normalize(spec recipe.DatasetSpec, payload RawPayload) ([]Column, []Row, error) {
	if f.normalize != nil {
		return f.normalize(spec, payload)
	}
	return []Column{{Name: "value", Type: TypeString}}, []Row{{spec.ID}}, nil
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// fakeAdapterRegistry maps provider names to adapters.
type fakeAdapterRegistry map[string]Adapter

func (r fakeAdapterRegistry) Lookup(provider string) (Adapter, bool) {
	a, ok := r[provider]
	return a, ok
}

// fakeGate denies the providers in its set and allows everything else.
type fakeGate struct {
	denied map[string]bool
}

func (g *fakeGate) AssertAllowed(_ context.Context, sources []string, purpose policy.Purpose) error {
	for _, s := range sources {
		if g.denied[s] {
			return &policy.ViolationError{Violations: []policy.Violation{{
				Source:  s,
				Purpose: purpose,
				Message: fmt.Sprintf("source %s is display-only", s),
			}}}
		}
	}
	return nil
}

// fakeInvalidator records invalidation calls.
type fakeInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeInvalidator) InvalidateKey(_ context.Context, userID, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+"/"+provider)
	return nil
}

func (f *fakeInvalidator) invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestEngine(adapters fakeAdapterRegistry, gate PolicyGate, inv KeyInvalidator, opts Options) *Engine {
	if gate == nil {
		gate = &fakeGate{}
	}
	cache := NewCache(time.Minute, nil)
	return New(zerolog.Nop(), adapters, gate, inv, cache, nil, nil, opts)
}

func testRecipe(providers ...string) *recipe.Recipe {
	r := &recipe.Recipe{
		ID:             "test-recipe",
		Name:           "Test",
		TargetCurrency: "usd",
	}
	for i, p := range providers {
		r.Datasets = append(r.Datasets, recipe.DatasetSpec{
			ID:       fmt.Sprintf("ds-%d", i),
			Kind:     recipe.KindPrice,
			CoinIDs:  []string{fmt.Sprintf("coin-%d", i)},
			Provider: p,
		})
	}
	return r
}

func testExecCtx(keys map[string]Credential) *ExecutionContext {
	if keys == nil {
		keys = map[string]Credential{}
	}
	return &ExecutionContext{
		UserID: "user-1",
		Plan:   recipe.Plan{Tier: recipe.PlanPro},
		Keys:   keys,
	}
}

func TestExecutePreservesRecipeOrder(t *testing.T) {
	adapter := &fakeAdapter{
		name: "test",
		caps: []CredentialMode{ModeNoKey},
		fetchFn: func(_ context.Context, spec recipe.DatasetSpec, _ string, _ *Credential) (RawPayload, error) {
			// Later datasets finish first.
			if spec.ID == "ds-0" {
				time.Sleep(30 * time.Millisecond)
			}
			return RawPayload(`{}`), nil
		},
	}
	eng := newTestEngine(fakeAdapterRegistry{"test": adapter}, nil, nil, Options{MaxParallel: 4})

	r := testRecipe("test", "test", "test", "test")
	result, err := eng.Execute(context.Background(), r, testExecCtx(nil), policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(result.Datasets) != 4 {
		t.Fatalf("expected 4 dataset results, got %d", len(result.Datasets))
	}
	for i, ds := range result.Datasets {
		want := fmt.Sprintf("ds-%d", i)
		if ds.DatasetID != want {
			t.Errorf("result %d: expected dataset %s, got %s", i, want, ds.DatasetID)
		}
	}
	if !result.Success {
		t.Error("expected success")
	}
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	adapter := &fakeAdapter{
		name: "test",
		caps: []CredentialMode{ModeNoKey},
		fetchFn: func(_ context.Context, _ recipe.DatasetSpec, _ string, _ *Credential) (RawPayload, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return RawPayload(`{}`), nil
		},
	}
	eng := newTestEngine(fakeAdapterRegistry{"test": adapter}, nil, nil, Options{MaxParallel: 2})

	r := testRecipe("test", "test", "test", "test", "test", "test")
	if _, err := eng.Execute(context.Background(), r, testExecCtx(nil), policy.PurposeDisplay); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if peak > 2 {
		t.Errorf("expected at most 2 concurrent fetches, observed %d", peak)
	}
}

func TestExecuteIsolatesDatasetFailures(t *testing.T) {
	adapter := &fakeAdapter{
		name: "test",
		caps: []CredentialMode{ModeNoKey},
		fetchFn: func(_ context.Context, spec recipe.DatasetSpec, _ string, _ *Credential) (RawPayload, error) {
			if spec.ID == "ds-1" {
				return nil, &ProviderError{Kind: ProviderErrNotFound, Provider: "test", Message: "no such coin"}
			}
			return RawPayload(`{}`), nil
		},
	}
	eng := newTestEngine(fakeAdapterRegistry{"test": adapter}, nil, nil, Options{})

	r := testRecipe("test", "test", "test")
	result, err := eng.Execute(context.Background(), r, testExecCtx(nil), policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.Success {
		t.Error("optional dataset failure must not fail the run")
	}
	if result.Metadata.DatasetsSucceeded != 2 {
		t.Errorf("expected 2 successes, got %d", result.Metadata.DatasetsSucceeded)
	}
	failed := result.Datasets[1]
	if failed.Status != StatusFailed {
		t.Fatalf("expected ds-1 failed, got %s", failed.Status)
	}
	if failed.Error.Code != ErrCodeNotFound {
		t.Errorf("expected %s, got %s", ErrCodeNotFound, failed.Error.Code)
	}
	if len(failed.Rows) != 0 {
		t.Error("failed dataset must carry no rows")
	}
}

func TestExecuteMandatoryFailureFailsRun(t *testing.T) {
	adapter := &fakeAdapter{
		name: "test",
		caps: []CredentialMode{ModeNoKey},
		fetchFn: func(_ context.Context, spec recipe.DatasetSpec, _ string, _ *Credential) (RawPayload, error) {
			if spec.ID == "ds-0" {
				return nil, &ProviderError{Kind: ProviderErrUnknown, Provider: "test", Message: "boom"}
			}
			return RawPayload(`{}`), nil
		},
	}
	eng := newTestEngine(fakeAdapterRegistry{"test": adapter}, nil, nil, Options{})

	r := testRecipe("test", "test")
	r.Datasets[0].Mandatory = true
	result, err := eng.Execute(context.Background(), r, testExecCtx(nil), policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Success {
		t.Error("mandatory dataset failure must fail the run")
	}
	if result.Metadata.DatasetsSucceeded != 1 {
		t.Errorf("expected 1 success, got %d", result.Metadata.DatasetsSucceeded)
	}
}

func TestExecuteAllFailedIsUnsuccessful(t *testing.T) {
	adapter := &fakeAdapter{
		name: "test",
		caps: []CredentialMode{ModeNoKey},
		fetchFn: func(_ context.Context, _ recipe.DatasetSpec, _ string, _ *Credential) (RawPayload, error) {
			return nil, &ProviderError{Kind: ProviderErrUnknown, Provider: "test", Message: "down"}
		},
	}
	eng := newTestEngine(fakeAdapterRegistry{"test": adapter}, nil, nil, Options{})

	result, err := eng.Execute(context.Background(), testRecipe("test", "test"), testExecCtx(nil), policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Success {
		t.Error("a run with zero successful datasets must not be successful")
	}
	if len(result.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d", len(result.Errors))
	}
}

func TestExecuteMissingCredentialFailsWithoutFetch(t *testing.T) {
	adapter := &fakeAdapter{
		name: "keyed",
		caps: []CredentialMode{ModeProKey},
	}
	eng := newTestEngine(fakeAdapterRegistry{"keyed": adapter}, nil, nil, Options{})

	result, err := eng.Execute(context.Background(), testRecipe("keyed"), testExecCtx(nil), policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	ds := result.Datasets[0]
	if ds.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", ds.Status)
	}
	if ds.Error.Code != ErrCodeCredentialRequired {
		t.Errorf("expected %s, got %s", ErrCodeCredentialRequired, ds.Error.Code)
	}
	if adapter.calls() != 0 {
		t.Errorf("expected no fetch without a credential, got %d calls", adapter.calls())
	}
}

func TestExecuteAuthFailureInvalidatesKey(t *testing.T) {
	adapter := &fakeAdapter{
		name: "keyed",
		caps: []CredentialMode{ModeProKey},
		fetchFn: func(_ context.Context, _ recipe.DatasetSpec, _ string, _ *Credential) (RawPayload, error) {
			return nil, &ProviderError{Kind: ProviderErrAuth, Provider: "keyed", StatusCode: 401, Message: "bad key"}
		},
	}
	inv := &fakeInvalidator{}
	eng := newTestEngine(fakeAdapterRegistry{"keyed": adapter}, nil, inv, Options{})

	execCtx := testExecCtx(map[string]Credential{"keyed": {Key: "k", Tier: "pro"}})
	result, err := eng.Execute(context.Background(), testRecipe("keyed"), execCtx, policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	ds := result.Datasets[0]
	if ds.Error == nil || ds.Error.Code != ErrCodeProviderAuth {
		t.Fatalf("expected %s, got %+v", ErrCodeProviderAuth, ds.Error)
	}
	calls := inv.invalidated()
	if len(calls) != 1 || calls[0] != "user-1/keyed" {
		t.Errorf("expected one invalidation for user-1/keyed, got %v", calls)
	}
}

func TestExecuteAuthFailureWithoutCredentialSkipsInvalidation(t *testing.T) {
	adapter := &fakeAdapter{
		name: "open",
		caps: []CredentialMode{ModeNoKey},
		fetchFn: func(_ context.Context, _ recipe.DatasetSpec, _ string, _ *Credential) (RawPayload, error) {
			return nil, &ProviderError{Kind: ProviderErrAuth, Provider: "open", StatusCode: 403, Message: "blocked"}
		},
	}
	inv := &fakeInvalidator{}
	eng := newTestEngine(fakeAdapterRegistry{"open": adapter}, nil, inv, Options{})

	if _, err := eng.Execute(context.Background(), testRecipe("open"), testExecCtx(nil), policy.PurposeDisplay); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(inv.invalidated()) != 0 {
		t.Errorf("no stored key was used; nothing should be invalidated: %v", inv.invalidated())
	}
}

func TestExecuteRetriesThrottledFetchOnce(t *testing.T) {
	adapter := &fakeAdapter{
		name: "test",
		caps: []CredentialMode{ModeNoKey},
	}
	adapter.fetchFn = func(_ context.Context, _ recipe.DatasetSpec, _ string, _ *Credential) (RawPayload, error) {
		if adapter.calls() == 1 {
			return nil, &ProviderError{Kind: ProviderErrRateLimited, Provider: "test", StatusCode: 429, Message: "slow down"}
		}
		return RawPayload(`{}`), nil
	}
	eng := newTestEngine(fakeAdapterRegistry{"test": adapter}, nil, nil, Options{RetryBackoff: time.Millisecond})

	result, err := eng.Execute(context.Background(), testRecipe("test"), testExecCtx(nil), policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Datasets[0].Status != StatusSuccess {
		t.Fatalf("expected success after retry, got %s", result.Datasets[0].Status)
	}
	if adapter.calls() != 2 {
		t.Errorf("expected exactly 2 fetch attempts, got %d", adapter.calls())
	}
}

func TestExecuteThrottledTwiceFails(t *testing.T) {
	adapter := &fakeAdapter{
		name: "test",
		caps: []CredentialMode{ModeNoKey},
		fetchFn: func(_ context.Context, _ recipe.DatasetSpec, _ string, _ *Credential) (RawPayload, error) {
			return nil, &ProviderError{Kind: ProviderErrRateLimited, Provider: "test", StatusCode: 429, Message: "slow down"}
		},
	}
	eng := newTestEngine(fakeAdapterRegistry{"test": adapter}, nil, nil, Options{RetryBackoff: time.Millisecond})

	result, err := eng.Execute(context.Background(), testRecipe("test"), testExecCtx(nil), policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	ds := result.Datasets[0]
	if ds.Error == nil || ds.Error.Code != ErrCodeRateLimited {
		t.Fatalf("expected %s, got %+v", ErrCodeRateLimited, ds.Error)
	}
	if adapter.calls() != 2 {
		t.Errorf("expected exactly 2 fetch attempts, got %d", adapter.calls())
	}
}

func TestExecutePolicySkipIsNotAFailure(t *testing.T) {
	adapter := &fakeAdapter{name: "ok", caps: []CredentialMode{ModeNoKey}}
	blocked := &fakeAdapter{name: "blocked", caps: []CredentialMode{ModeNoKey}}
	gate := &fakeGate{denied: map[string]bool{"blocked": true}}
	eng := newTestEngine(fakeAdapterRegistry{"ok": adapter, "blocked": blocked}, gate, nil, Options{})

	result, err := eng.Execute(context.Background(), testRecipe("ok", "blocked"), testExecCtx(nil), policy.PurposeDownload)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Datasets[1].Status != StatusSkippedPolicy {
		t.Fatalf("expected skipped-by-policy, got %s", result.Datasets[1].Status)
	}
	if blocked.calls() != 0 {
		t.Error("policy-skipped dataset must not reach the provider")
	}
	if len(result.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %d", len(result.Warnings))
	}
	if !result.Success {
		t.Error("a policy skip must not fail an otherwise successful run")
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	adapter := &fakeAdapter{name: "test", caps: []CredentialMode{ModeNoKey}}
	eng := newTestEngine(fakeAdapterRegistry{"test": adapter}, nil, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := eng.Execute(ctx, testRecipe("test", "test"), testExecCtx(nil), policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Success {
		t.Error("cancelled run must not be successful")
	}
	for i, ds := range result.Datasets {
		if ds.Status != StatusFailed {
			t.Errorf("dataset %d: expected failed, got %s", i, ds.Status)
		}
		if ds.Error.Code != ErrCodeCancelled {
			t.Errorf("dataset %d: expected %s, got %s", i, ErrCodeCancelled, ds.Error.Code)
		}
	}
}

func TestExecuteServesSecondRunFromCache(t *testing.T) {
	adapter := &fakeAdapter{name: "test", caps: []CredentialMode{ModeNoKey}}
	eng := newTestEngine(fakeAdapterRegistry{"test": adapter}, nil, nil, Options{})

	r := testRecipe("test")
	execCtx := testExecCtx(nil)

	first, err := eng.Execute(context.Background(), r, execCtx, policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	second, err := eng.Execute(context.Background(), r, execCtx, policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}

	if adapter.calls() != 1 {
		t.Errorf("expected a single upstream fetch, got %d", adapter.calls())
	}
	if !second.Datasets[0].FetchedAt.Equal(first.Datasets[0].FetchedAt) {
		t.Error("cache hit must carry the original fetch time")
	}
}

func TestExecuteEmptyResponseFailsDataset(t *testing.T) {
	adapter := &fakeAdapter{
		name: "test",
		caps: []CredentialMode{ModeNoKey},
		normalize: func(_ recipe.DatasetSpec, _ RawPayload) ([]Column, []Row, error) {
			return []Column{{Name: "value", Type: TypeString}}, nil, nil
		},
	}
	eng := newTestEngine(fakeAdapterRegistry{"test": adapter}, nil, nil, Options{})

	result, err := eng.Execute(context.Background(), testRecipe("test"), testExecCtx(nil), policy.PurposeDisplay)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	ds := result.Datasets[0]
	if ds.Status != StatusFailed {
		t.Fatalf("a dataset without records must fail, got status %s", ds.Status)
	}
	if ds.Error == nil || ds.Error.Code != ErrCodeNotFound {
		t.Errorf("expected %s, got %+v", ErrCodeNotFound, ds.Error)
	}
	if len(ds.Rows) != 0 {
		t.Errorf("failed dataset must carry no rows, got %d", len(ds.Rows))
	}

	// The empty outcome is an error and errors are never cached: a second
	// run asks the provider again.
	if _, err := eng.Execute(context.Background(), testRecipe("test"), testExecCtx(nil), policy.PurposeDisplay); err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if got := adapter.calls(); got != 2 {
		t.Errorf("expected 2 fetches across runs, got %d", got)
	}
}
