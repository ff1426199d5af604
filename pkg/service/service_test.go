package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinscribe/coinscribe/pkg/engine"
	"github.com/coinscribe/coinscribe/pkg/policy"
	"github.com/coinscribe/coinscribe/pkg/recipe"
	"github.com/coinscribe/coinscribe/pkg/report"
	"github.com/coinscribe/coinscribe/pkg/stores"
	"github.com/coinscribe/coinscribe/pkg/vault"
)

// memStore is an in-memory stores.Store for pipeline tests.
type memStore struct {
	mu     sync.Mutex
	keys   map[string]*stores.ProviderKeyRecord
	events []*stores.UsageEvent
}

func newMemStore() *memStore {
	return &memStore{keys: make(map[string]*stores.ProviderKeyRecord)}
}

func (m *memStore) Init(context.Context) error    { return nil }
func (m *memStore) Close() error                  { return nil }
func (m *memStore) Migrate(context.Context) error { return nil }

func (m *memStore) UpsertProviderKey(_ context.Context, record *stores.ProviderKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *record
	m.keys[record.UserID+"/"+record.Provider] = &copied
	return nil
}

func (m *memStore) GetEncryptedKeys(_ context.Context, userID string) ([]*stores.ProviderKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*stores.ProviderKeyRecord
	for _, rec := range m.keys {
		if rec.UserID == userID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memStore) GetProviderKey(_ context.Context, userID, provider string) (*stores.ProviderKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[userID+"/"+provider]
	if !ok {
		return nil, stores.ErrKeyNotFound
	}
	copied := *rec
	return &copied, nil
}

func (m *memStore) InvalidateKey(_ context.Context, userID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[userID+"/"+provider]
	if !ok {
		return stores.ErrKeyNotFound
	}
	rec.Valid = false
	return nil
}

func (m *memStore) RecordUsageEvent(_ context.Context, event *stores.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	m.events = append(m.events, &copied)
	return nil
}

func (m *memStore) ListUsageEvents(_ context.Context, userID string, limit, offset int) ([]*stores.UsageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*stores.UsageEvent
	for _, ev := range m.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) HealthCheck(context.Context) error { return nil }

func (m *memStore) usageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// stubAdapter serves canned price data and records the credential it saw.
type stubAdapter struct {
	name string
	mode []engine.CredentialMode

	mu       sync.Mutex
	fetchErr error
	lastCred *engine.Credential
	fetches  int
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Capabilities() []engine.CredentialMode { return a.mode }

func (a *stubAdapter) Fetch(ctx context.Context, spec recipe.DatasetSpec, currency string, cred *engine.Credential) (engine.RawPayload, error) {
	a.mu.Lock()
	a.fetches++
	a.lastCred = cred
	err := a.fetchErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return engine.RawPayload(`{"ok":true}`), nil
}

func (a *stubAdapter) Normalize(spec recipe.DatasetSpec, _ engine.RawPayload) ([]engine.Column, []engine.Row, error) {
	columns := []engine.Column{
		{Name: "coin_id", Type: engine.TypeString},
		{Name: "price", Type: engine.TypeCurrency},
	}
	rows := make([]engine.Row, 0, len(spec.CoinIDs))
	for _, coin := range spec.CoinIDs {
		rows = append(rows, engine.Row{coin, 100.0})
	}
	return columns, rows, nil
}

type stubRegistry map[string]engine.Adapter

func (r stubRegistry) Lookup(provider string) (engine.Adapter, bool) {
	a, ok := r[provider]
	return a, ok
}

type testHarness struct {
	service *Service
	store   *memStore
	adapter *stubAdapter
	vault   *vault.Vault
}

func newTestHarness(t *testing.T, masterKey []byte) *testHarness {
	t.Helper()
	logger := zerolog.Nop()

	registry := policy.NewRegistry(logger, []policy.SourceClassification{
		{Provider: "coingecko", License: policy.LicenseRedistributable, Attribution: "Data by CoinGecko"},
		{Provider: "defillama", License: policy.LicenseRedistributable},
		{Provider: "opensea", License: policy.LicenseDisplayOnly, Attribution: "Data by OpenSea"},
	})
	gate, err := policy.NewEngine(logger, registry)
	if err != nil {
		t.Fatalf("policy.NewEngine failed: %v", err)
	}

	adapter := &stubAdapter{name: "coingecko", mode: []engine.CredentialMode{engine.ModeProKey, engine.ModeNoKey}}
	store := newMemStore()
	cache := engine.NewCache(time.Minute, engine.SystemClock{})
	eng := engine.New(logger, stubRegistry{"coingecko": adapter}, gate, store, cache, nil, nil, engine.Options{})

	v, err := vault.New(masterKey)
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	svc := New(
		logger,
		recipe.NewValidator(logger, gate),
		eng,
		report.NewAssembler(gate, nil, logger),
		store,
		v,
		recipe.StaticPlanResolver{Plan: recipe.Plan{Tier: recipe.PlanPro}},
	)
	return &testHarness{service: svc, store: store, adapter: adapter, vault: v}
}

func priceRecipe() *recipe.Recipe {
	return &recipe.Recipe{
		ID:   "portfolio",
		Name: "Portfolio overview",
		Datasets: []recipe.DatasetSpec{
			{ID: "prices", Kind: recipe.KindPrice, CoinIDs: []string{"bitcoin", "ethereum"}},
		},
		TargetCurrency: "usd",
	}
}

func TestGenerateReportJSON(t *testing.T) {
	h := newTestHarness(t, []byte("test-master-key"))

	rep, result, err := h.service.GenerateReport(context.Background(), "user-1", priceRecipe(), report.FormatJSON)
	if err != nil {
		t.Fatalf("GenerateReport failed: %v", err)
	}
	if !result.Success {
		t.Errorf("expected a successful run: %+v", result.Errors)
	}
	if result.Metadata.TotalRows != 2 {
		t.Errorf("expected 2 rows, got %d", result.Metadata.TotalRows)
	}

	var preview engine.ExecutionResult
	if err := json.Unmarshal(rep.Data, &preview); err != nil {
		t.Fatalf("preview is not valid JSON: %v", err)
	}
	if preview.RecipeID != "portfolio" {
		t.Errorf("unexpected recipe id %s", preview.RecipeID)
	}

	if h.store.usageCount() != 1 {
		t.Errorf("expected one usage event, got %d", h.store.usageCount())
	}
}

func TestGenerateReportInvalidRecipe(t *testing.T) {
	h := newTestHarness(t, []byte("test-master-key"))

	bad := priceRecipe()
	bad.TargetCurrency = ""
	bad.Datasets[0].Kind = "sentiment"

	_, _, err := h.service.GenerateReport(context.Background(), "user-1", bad, report.FormatJSON)
	var invalid *ErrRecipeInvalid
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *ErrRecipeInvalid, got %v", err)
	}
	if len(invalid.Result.Errors) < 2 {
		t.Errorf("expected every issue collected, got %+v", invalid.Result.Errors)
	}
	if h.adapter.fetches != 0 {
		t.Error("invalid recipe must not reach any provider")
	}
	if h.store.usageCount() != 0 {
		t.Error("invalid recipe must not record usage")
	}
}

func TestGenerateReportUsesStoredCredential(t *testing.T) {
	h := newTestHarness(t, []byte("test-master-key"))
	ctx := context.Background()

	if err := h.service.StoreProviderKey(ctx, "user-1", "coingecko", "cg-pro-secret", stores.KeyTierPro); err != nil {
		t.Fatalf("StoreProviderKey failed: %v", err)
	}

	if _, _, err := h.service.GenerateReport(ctx, "user-1", priceRecipe(), report.FormatJSON); err != nil {
		t.Fatalf("GenerateReport failed: %v", err)
	}

	h.adapter.mu.Lock()
	cred := h.adapter.lastCred
	h.adapter.mu.Unlock()
	if cred == nil {
		t.Fatal("expected the stored key to reach the adapter")
	}
	if cred.Key != "cg-pro-secret" || cred.Tier != "pro" {
		t.Errorf("unexpected credential %+v", cred)
	}
}

func TestGenerateReportWithoutMasterKey(t *testing.T) {
	// Keys stored under a working vault become unreadable when the process
	// restarts without the master key. That is a deployment error and must
	// fail loudly, not silently run unauthenticated.
	working := newTestHarness(t, []byte("test-master-key"))
	ctx := context.Background()
	if err := working.service.StoreProviderKey(ctx, "user-1", "coingecko", "cg-pro-secret", stores.KeyTierPro); err != nil {
		t.Fatalf("StoreProviderKey failed: %v", err)
	}

	keyless := newTestHarness(t, nil)
	keyless.store.mu.Lock()
	for k, v := range working.store.keys {
		keyless.store.keys[k] = v
	}
	keyless.store.mu.Unlock()

	_, _, err := keyless.service.GenerateReport(ctx, "user-1", priceRecipe(), report.FormatJSON)
	if !errors.Is(err, vault.ErrNoMasterKey) {
		t.Fatalf("expected ErrNoMasterKey, got %v", err)
	}
}

func TestGenerateReportSkipsCorruptKey(t *testing.T) {
	h := newTestHarness(t, []byte("test-master-key"))
	ctx := context.Background()

	now := time.Now().UTC()
	if err := h.store.UpsertProviderKey(ctx, &stores.ProviderKeyRecord{
		UserID:     "user-1",
		Provider:   "coingecko",
		Ciphertext: []byte("not-a-real-ciphertext"),
		KeyTier:    stores.KeyTierPro,
		Valid:      true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("UpsertProviderKey failed: %v", err)
	}

	_, result, err := h.service.GenerateReport(ctx, "user-1", priceRecipe(), report.FormatJSON)
	if err != nil {
		t.Fatalf("corrupt key must not block the run: %v", err)
	}
	if !result.Success {
		t.Error("expected the run to fall back to the public tier")
	}

	h.adapter.mu.Lock()
	cred := h.adapter.lastCred
	h.adapter.mu.Unlock()
	if cred != nil {
		t.Errorf("corrupt key must not reach the adapter, got %+v", cred)
	}
}

func TestGenerateReportRejectsUnknownFormat(t *testing.T) {
	h := newTestHarness(t, []byte("test-master-key"))
	if _, _, err := h.service.GenerateReport(context.Background(), "user-1", priceRecipe(), report.Format("pdf")); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestGenerateReportProviderFailure(t *testing.T) {
	h := newTestHarness(t, []byte("test-master-key"))
	h.adapter.fetchErr = &engine.ProviderError{
		Provider: "coingecko",
		Kind:     engine.ProviderErrNotFound,
		Message:  "coin not found",
	}

	r := priceRecipe()
	r.Datasets[0].Mandatory = true

	_, result, err := h.service.GenerateReport(context.Background(), "user-1", r, report.FormatJSON)
	if err != nil {
		t.Fatalf("dataset failure is not a pipeline error: %v", err)
	}
	if result.Success {
		t.Error("mandatory dataset failure must fail the run")
	}
	if result.Datasets[0].Error == nil || result.Datasets[0].Error.Code != engine.ErrCodeNotFound {
		t.Errorf("unexpected dataset error %+v", result.Datasets[0].Error)
	}
}

// scenarioHarness builds a service with both a public price adapter and a
// keyed NFT adapter, under a configurable plan.
func scenarioHarness(t *testing.T, tier recipe.PlanTier) (*Service, *stubAdapter, *memStore) {
	t.Helper()
	logger := zerolog.Nop()

	registry := policy.NewRegistry(logger, []policy.SourceClassification{
		{Provider: "coingecko", License: policy.LicenseRedistributable, Attribution: "Data by CoinGecko"},
		{Provider: "opensea", License: policy.LicenseDisplayOnly, Attribution: "Data by OpenSea"},
	})
	gate, err := policy.NewEngine(logger, registry)
	if err != nil {
		t.Fatalf("policy.NewEngine failed: %v", err)
	}

	prices := &stubAdapter{name: "coingecko", mode: []engine.CredentialMode{engine.ModeNoKey}}
	nfts := &stubAdapter{name: "opensea", mode: []engine.CredentialMode{engine.ModeProKey}}
	store := newMemStore()
	cache := engine.NewCache(time.Minute, engine.SystemClock{})
	eng := engine.New(logger, stubRegistry{"coingecko": prices, "opensea": nfts}, gate, store, cache, nil, nil, engine.Options{})

	v, err := vault.New([]byte("scenario-master-key"))
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	svc := New(
		logger,
		recipe.NewValidator(logger, gate),
		eng,
		report.NewAssembler(gate, nil, logger),
		store,
		v,
		recipe.StaticPlanResolver{Plan: recipe.Plan{Tier: tier}},
	)
	return svc, nfts, store
}

func TestFreePlanPriceAndHistoryPreview(t *testing.T) {
	svc, _, _ := scenarioHarness(t, recipe.PlanFree)

	r := &recipe.Recipe{
		ID:   "free-portfolio",
		Name: "Free portfolio",
		Datasets: []recipe.DatasetSpec{
			{ID: "prices", Kind: recipe.KindPrice, CoinIDs: []string{"bitcoin", "ethereum"}},
			{ID: "history", Kind: recipe.KindOHLCV, CoinIDs: []string{"bitcoin"}, Timeframe: "30d"},
		},
		TargetCurrency: "usd",
	}

	rep, result, err := svc.GenerateReport(context.Background(), "free-user", r, report.FormatJSON)
	if err != nil {
		t.Fatalf("GenerateReport failed: %v", err)
	}
	if !result.Success {
		t.Errorf("expected a successful run: %+v", result.Errors)
	}
	if len(result.Datasets) != 2 ||
		result.Datasets[0].DatasetID != "prices" || result.Datasets[1].DatasetID != "history" {
		t.Errorf("unexpected dataset order %+v", result.Datasets)
	}
	if rep.Format != report.FormatJSON {
		t.Errorf("unexpected format %s", rep.Format)
	}
}

func mixedRecipe() *recipe.Recipe {
	return &recipe.Recipe{
		ID:   "mixed",
		Name: "Mixed portfolio",
		Datasets: []recipe.DatasetSpec{
			{ID: "prices", Kind: recipe.KindPrice, CoinIDs: []string{"bitcoin"}},
			{ID: "collections", Kind: recipe.KindNFTCollection, CoinIDs: []string{"doodles"}},
		},
		TargetCurrency: "usd",
	}
}

func TestDisplayOnlyDownloadRejectedAtValidation(t *testing.T) {
	svc, _, _ := scenarioHarness(t, recipe.PlanPro)
	ctx := context.Background()

	if err := svc.StoreProviderKey(ctx, "pro-user", "opensea", "os-pro-secret", stores.KeyTierPro); err != nil {
		t.Fatalf("StoreProviderKey failed: %v", err)
	}

	_, _, err := svc.GenerateReport(ctx, "pro-user", mixedRecipe(), report.FormatExcel)
	var invalid *ErrRecipeInvalid
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *ErrRecipeInvalid, got %v", err)
	}
	found := false
	for _, issue := range invalid.Result.Errors {
		if issue.Field == "collections" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the violation attributed to the NFT dataset, got %+v", invalid.Result.Errors)
	}
}

func TestDisplayOnlyPreviewSucceeds(t *testing.T) {
	svc, nfts, _ := scenarioHarness(t, recipe.PlanPro)
	ctx := context.Background()

	if err := svc.StoreProviderKey(ctx, "pro-user", "opensea", "os-pro-secret", stores.KeyTierPro); err != nil {
		t.Fatalf("StoreProviderKey failed: %v", err)
	}

	_, result, err := svc.GenerateReport(ctx, "pro-user", mixedRecipe(), report.FormatJSON)
	if err != nil {
		t.Fatalf("GenerateReport failed: %v", err)
	}
	if !result.Success || result.Metadata.DatasetsSucceeded != 2 {
		t.Errorf("expected both datasets in the preview, got %+v", result.Metadata)
	}

	nfts.mu.Lock()
	cred := nfts.lastCred
	nfts.mu.Unlock()
	if cred == nil || cred.Key != "os-pro-secret" {
		t.Errorf("expected the stored NFT key to reach its adapter, got %+v", cred)
	}
}

func TestStoreProviderKeyRejectsEmpty(t *testing.T) {
	h := newTestHarness(t, []byte("test-master-key"))
	if err := h.service.StoreProviderKey(context.Background(), "user-1", "coingecko", "", stores.KeyTierPro); err == nil {
		t.Fatal("expected an error for an empty key")
	}
}

func TestPurposeForFormat(t *testing.T) {
	if got := PurposeForFormat(report.FormatExcel); got != policy.PurposeDownload {
		t.Errorf("excel should imply download, got %s", got)
	}
	if got := PurposeForFormat(report.FormatJSON); got != policy.PurposeDisplay {
		t.Errorf("json should imply display, got %s", got)
	}
}
