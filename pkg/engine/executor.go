package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/coinscribe/coinscribe/pkg/policy"
	"github.com/coinscribe/coinscribe/pkg/recipe"
	"github.com/coinscribe/coinscribe/pkg/telemetry"
)

// Options configure one engine instance.
type Options struct {
	// MaxParallel bounds the number of simultaneous in-flight fetches across
	// the whole process, respecting aggregate provider rate limits.
	MaxParallel int

	// DatasetTimeout is the per-dataset fetch deadline.
	DatasetTimeout time.Duration

	// RetryBackoff is the fixed delay before the single rate-limit retry.
	RetryBackoff time.Duration
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.DatasetTimeout <= 0 {
		o.DatasetTimeout = 20 * time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	return o
}

// Engine orchestrates concurrent dataset fetches for one recipe at a time.
// Instances are safe for concurrent use; the cache is the only shared state.
type Engine struct {
	adapters    AdapterRegistry
	gate        PolicyGate
	invalidator KeyInvalidator
	cache       *Cache
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	opts        Options
}

// New creates an engine. Metrics and tracer may be nil.
func New(
	logger zerolog.Logger,
	adapters AdapterRegistry,
	gate PolicyGate,
	invalidator KeyInvalidator,
	cache *Cache,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	opts Options,
) *Engine {
	return &Engine{
		adapters:    adapters,
		gate:        gate,
		invalidator: invalidator,
		cache:       cache,
		logger:      logger.With().Str("component", "execution-engine").Logger(),
		metrics:     metrics,
		tracer:      tracer,
		opts:        opts.withDefaults(),
	}
}

// Execute runs every dataset in the recipe through the worker pool and
// aggregates the outcomes. Validation failures belong to the validator and
// pre-empt execution entirely; Execute assumes a structurally valid recipe
// with resolved providers. Individual dataset failures are isolated: no
// dataset error aborts its siblings.
func (e *Engine) Execute(ctx context.Context, r *recipe.Recipe, execCtx *ExecutionContext, purpose policy.Purpose) (*ExecutionResult, error) {
	if r == nil || len(r.Datasets) == 0 {
		return nil, fmt.Errorf("recipe has no datasets")
	}
	if execCtx == nil {
		return nil, fmt.Errorf("execution context is required")
	}

	runID := uuid.New().String()
	logger := e.logger.With().Str("run_id", runID).Str("recipe_id", r.ID).Logger()

	var execSpan trace.Span
	if e.tracer != nil {
		ctx, execSpan = e.tracer.StartExecutionSpan(ctx, runID, r.ID)
		defer execSpan.End()
	}
	if e.metrics != nil {
		e.metrics.ExecutionStarted(string(purpose))
	}

	start := time.Now()

	// Results are index-addressed so recipe order survives any completion order.
	results := make([]DatasetResult, len(r.Datasets))

	workQueue := make(chan int, len(r.Datasets))
	for i := range r.Datasets {
		workQueue <- i
	}
	close(workQueue)

	workerCount := e.opts.MaxParallel
	if len(r.Datasets) < workerCount {
		workerCount = len(r.Datasets)
	}

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workQueue {
				select {
				case <-ctx.Done():
					return
				default:
				}
				results[i] = e.executeDataset(ctx, logger, r.Datasets[i], r.TargetCurrency, execCtx, purpose)
			}
		}()
	}
	wg.Wait()

	// Datasets never picked up after cancellation get a Cancelled result.
	for i := range results {
		if results[i].Status == "" {
			results[i] = DatasetResult{
				DatasetID:      r.Datasets[i].ID,
				Status:         StatusFailed,
				SourceProvider: r.Datasets[i].Provider,
				Error: NewPermanentError("execution cancelled", ctx.Err()).
					WithCode(ErrCodeCancelled).
					WithDataset(r.Datasets[i].ID),
			}
		}
	}

	result := e.aggregate(runID, r, results, time.Since(start))

	if e.metrics != nil {
		e.metrics.ExecutionCompleted(string(purpose), result.Success, result.Metadata.Duration)
	}
	if execSpan != nil {
		if result.Success {
			telemetry.RecordSuccess(execSpan)
		} else {
			telemetry.RecordError(execSpan, fmt.Errorf("recipe execution failed: %d of %d datasets succeeded",
				result.Metadata.DatasetsSucceeded, result.Metadata.DatasetsAttempted))
		}
	}
	logger.Info().
		Bool("success", result.Success).
		Int("attempted", result.Metadata.DatasetsAttempted).
		Int("succeeded", result.Metadata.DatasetsSucceeded).
		Dur("duration", result.Metadata.Duration).
		Msg("Recipe execution completed")

	return result, nil
}

// executeDataset runs one dataset: policy re-check, credential resolution,
// cache lookup and finally the adapter fetch with retry-on-throttle.
func (e *Engine) executeDataset(
	ctx context.Context,
	logger zerolog.Logger,
	spec recipe.DatasetSpec,
	currency string,
	execCtx *ExecutionContext,
	purpose policy.Purpose,
) DatasetResult {
	dsStart := time.Now()

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.StartDatasetSpan(ctx, spec.ID, spec.Provider)
		defer func() { span.End() }()
	}

	result := DatasetResult{
		DatasetID:      spec.ID,
		SourceProvider: spec.Provider,
	}

	fail := func(err *DatasetError) DatasetResult {
		result.Status = StatusFailed
		result.Error = err
		if e.metrics != nil {
			e.metrics.DatasetExecuted(string(spec.Kind), string(StatusFailed), 0, time.Since(dsStart))
		}
		if span != nil {
			telemetry.RecordError(span, err)
		}
		return result
	}

	// Defensive redistribution re-check: a source reclassified after the
	// recipe was validated must not slip through to a download.
	if err := e.gate.AssertAllowed(ctx, []string{spec.Provider}, purpose); err != nil {
		var verr *policy.ViolationError
		if errors.As(err, &verr) {
			result.Status = StatusSkippedPolicy
			result.Error = NewPermanentError(verr.Error(), nil).
				WithCode(ErrCodePolicyViolation).
				WithDataset(spec.ID).
				WithProvider(spec.Provider)
			if e.metrics != nil {
				e.metrics.PolicyDenial(spec.Provider, string(purpose))
				e.metrics.DatasetExecuted(string(spec.Kind), string(StatusSkippedPolicy), 0, time.Since(dsStart))
			}
			return result
		}
		return fail(NewPermanentError("policy check failed", err).
			WithCode(ErrCodeInternal).WithDataset(spec.ID))
	}

	adapter, ok := e.adapters.Lookup(spec.Provider)
	if !ok {
		return fail(NewPermanentError(
			fmt.Sprintf("no adapter registered for provider %q", spec.Provider), nil).
			WithCode(ErrCodeInternal).WithDataset(spec.ID).WithProvider(spec.Provider))
	}

	cred, err := resolveCredential(adapter, execCtx)
	if err != nil {
		// Missing credential with no public tier: fail without network I/O.
		return fail(NewPermanentError(err.Error(), nil).
			WithCode(ErrCodeCredentialRequired).
			WithDataset(spec.ID).WithProvider(spec.Provider))
	}

	key := CacheKey(spec, currency, purpose)
	columns, rows, fetchedAt, hit, err := e.cache.GetOrFetch(key, func() ([]Column, []Row, error) {
		return e.fetchAndNormalize(ctx, logger, adapter, spec, currency, execCtx, cred)
	})
	if e.metrics != nil {
		if hit {
			e.metrics.CacheHit(string(spec.Kind))
		} else {
			e.metrics.CacheMiss(string(spec.Kind))
		}
	}
	if err != nil {
		var derr *DatasetError
		if errors.As(err, &derr) {
			return fail(derr)
		}
		return fail(NewPermanentError("dataset fetch failed", err).
			WithCode(ErrCodeProviderUnknown).WithDataset(spec.ID).WithProvider(spec.Provider))
	}

	result.Status = StatusSuccess
	result.Columns = columns
	result.Rows = rows
	result.FetchedAt = fetchedAt
	if e.metrics != nil {
		e.metrics.DatasetExecuted(string(spec.Kind), string(StatusSuccess), len(rows), time.Since(dsStart))
	}
	if span != nil {
		span.SetAttributes(telemetry.AttrCacheHit.Bool(hit))
		telemetry.RecordSuccess(span)
	}
	return result
}

// fetchAndNormalize performs the upstream call with the per-dataset timeout,
// one fixed-backoff retry on throttling, credential invalidation on auth
// failure, and payload normalization.
func (e *Engine) fetchAndNormalize(
	ctx context.Context,
	logger zerolog.Logger,
	adapter Adapter,
	spec recipe.DatasetSpec,
	currency string,
	execCtx *ExecutionContext,
	cred *Credential,
) ([]Column, []Row, error) {
	payload, err := e.fetchOnce(ctx, adapter, spec, currency, cred)
	if err != nil && isThrottleError(err) {
		// Exactly one retry with a fixed backoff.
		logger.Warn().Str("dataset_id", spec.ID).Str("provider", spec.Provider).
			Dur("backoff", e.opts.RetryBackoff).
			Msg("Provider throttled; retrying once")
		select {
		case <-time.After(e.opts.RetryBackoff):
		case <-ctx.Done():
			return nil, nil, NewPermanentError("execution cancelled", ctx.Err()).
				WithCode(ErrCodeCancelled).WithDataset(spec.ID)
		}
		payload, err = e.fetchOnce(ctx, adapter, spec, currency, cred)
	}
	if err != nil {
		return nil, nil, e.classifyFetchError(ctx, logger, err, spec, execCtx, cred)
	}

	columns, rows, err := adapter.Normalize(spec, payload)
	if err != nil {
		return nil, nil, NewPermanentError("payload normalization failed", err).
			WithCode(ErrCodeProviderUnknown).
			WithDataset(spec.ID).WithProvider(spec.Provider)
	}
	// Rows are present exactly when a dataset succeeds. A response that
	// normalizes to nothing is reported as not-found, and stays uncached so
	// the provider is asked again next run.
	if len(rows) == 0 {
		return nil, nil, NewPermanentError("provider returned no records", nil).
			WithCode(ErrCodeNotFound).
			WithDataset(spec.ID).WithProvider(spec.Provider)
	}
	return columns, rows, nil
}

// fetchOnce performs a single adapter call under the dataset timeout.
func (e *Engine) fetchOnce(ctx context.Context, adapter Adapter, spec recipe.DatasetSpec, currency string, cred *Credential) (RawPayload, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.DatasetTimeout)
	defer cancel()

	start := time.Now()
	payload, err := adapter.Fetch(fetchCtx, spec, currency, cred)
	if e.metrics != nil {
		e.metrics.ProviderCall(adapter.Name(), time.Since(start))
	}
	return payload, err
}

// classifyFetchError maps a fetch failure to the dataset error taxonomy and
// triggers credential invalidation on provider auth errors.
func (e *Engine) classifyFetchError(
	ctx context.Context,
	logger zerolog.Logger,
	err error,
	spec recipe.DatasetSpec,
	execCtx *ExecutionContext,
	cred *Credential,
) *DatasetError {
	if pe, ok := AsProviderError(err); ok {
		if e.metrics != nil {
			e.metrics.ProviderError(spec.Provider, string(pe.Kind))
		}
		switch pe.Kind {
		case ProviderErrAuth:
			// The provider rejected the user's key: flip the stored record's
			// validity flag. The user must re-submit to recover.
			if cred != nil && e.invalidator != nil {
				if ierr := e.invalidator.InvalidateKey(ctx, execCtx.UserID, spec.Provider); ierr != nil {
					logger.Error().Err(ierr).Str("provider", spec.Provider).
						Msg("Failed to invalidate rejected credential")
				}
			}
			return NewPermanentError("provider rejected credential", err).
				WithCode(ErrCodeProviderAuth).WithDataset(spec.ID).WithProvider(spec.Provider)
		case ProviderErrRateLimited:
			return NewThrottledError("provider rate limit exceeded", err).
				WithCode(ErrCodeRateLimited).WithDataset(spec.ID).WithProvider(spec.Provider)
		case ProviderErrNotFound:
			return NewPermanentError("requested entity not found upstream", err).
				WithCode(ErrCodeNotFound).WithDataset(spec.ID).WithProvider(spec.Provider)
		case ProviderErrTimeout:
			return NewTransientError("provider request timed out", err).
				WithCode(ErrCodeProviderTimeout).WithDataset(spec.ID).WithProvider(spec.Provider)
		default:
			return NewTransientError("provider request failed", err).
				WithCode(ErrCodeProviderUnknown).WithDataset(spec.ID).WithProvider(spec.Provider)
		}
	}

	if errors.Is(err, context.Canceled) {
		return NewPermanentError("execution cancelled", err).
			WithCode(ErrCodeCancelled).WithDataset(spec.ID).WithProvider(spec.Provider)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("provider request timed out", err).
			WithCode(ErrCodeProviderTimeout).WithDataset(spec.ID).WithProvider(spec.Provider)
	}
	return NewTransientError("provider request failed", err).
		WithCode(ErrCodeProviderUnknown).WithDataset(spec.ID).WithProvider(spec.Provider)
}

// isThrottleError reports whether the fetch failed due to rate limiting.
func isThrottleError(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Kind == ProviderErrRateLimited
}

// resolveCredential selects the credential for an adapter from the execution
// context, walking the adapter's capability order. A provider with no public
// tier and no stored key yields an error before any network I/O.
func resolveCredential(adapter Adapter, execCtx *ExecutionContext) (*Credential, error) {
	cred, hasKey := execCtx.Keys[adapter.Name()]

	for _, mode := range adapter.Capabilities() {
		switch mode {
		case ModeProKey, ModeDemoKey:
			if hasKey {
				c := cred
				return &c, nil
			}
		case ModeNoKey:
			return nil, nil
		}
	}

	return nil, fmt.Errorf("provider %s requires an API key and none is configured", adapter.Name())
}

// aggregate builds the ExecutionResult from per-dataset outcomes.
func (e *Engine) aggregate(runID string, r *recipe.Recipe, results []DatasetResult, elapsed time.Duration) *ExecutionResult {
	out := &ExecutionResult{
		RunID:       runID,
		RecipeID:    r.ID,
		RecipeName:  r.Name,
		Datasets:    results,
		GeneratedAt: time.Now().UTC(),
		Metadata: ExecutionMetadata{
			DatasetsAttempted: len(results),
			Duration:          elapsed,
		},
	}

	mandatoryFailed := false
	for i := range results {
		ds := &results[i]
		switch ds.Status {
		case StatusSuccess:
			out.Metadata.DatasetsSucceeded++
			out.Metadata.TotalRows += len(ds.Rows)
		case StatusSkippedPolicy:
			out.Warnings = append(out.Warnings, ds.Error.Error())
		case StatusFailed:
			out.Errors = append(out.Errors, ds.Error.Error())
			if r.Datasets[i].Mandatory {
				mandatoryFailed = true
			}
		}
	}

	out.Success = out.Metadata.DatasetsSucceeded > 0 && !mandatoryFailed
	return out
}
