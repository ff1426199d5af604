package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coinscribe/coinscribe/pkg/policy"
	"github.com/coinscribe/coinscribe/pkg/recipe"
)

// RawPayload is the opaque upstream response body of one fetch.
type RawPayload []byte

// ProviderErrorKind is the machine-readable classification of a fetch failure.
type ProviderErrorKind string

const (
	// ProviderErrAuth means the provider rejected the credential (401/403).
	ProviderErrAuth ProviderErrorKind = "auth"

	// ProviderErrRateLimited means the provider throttled the request (429).
	ProviderErrRateLimited ProviderErrorKind = "rate-limited"

	// ProviderErrNotFound means the requested entity does not exist upstream.
	ProviderErrNotFound ProviderErrorKind = "not-found"

	// ProviderErrTimeout means the request exceeded its deadline.
	ProviderErrTimeout ProviderErrorKind = "timeout"

	// ProviderErrUnknown covers every other upstream failure.
	ProviderErrUnknown ProviderErrorKind = "unknown"
)

// ProviderError is the uniform error adapters return from Fetch.
type ProviderError struct {
	// Kind is the machine-readable failure classification.
	Kind ProviderErrorKind

	// Provider is the adapter that produced the error.
	Provider string

	// StatusCode is the upstream HTTP status, if any.
	StatusCode int

	// Message is a human-readable description.
	Message string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s (%s, status %d)", e.Provider, e.Message, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Kind)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AsProviderError unwraps a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CredentialMode is one way an adapter can authenticate, in the provider's
// preference order: a paid key, a demo key, or the public tier.
type CredentialMode string

const (
	ModeProKey  CredentialMode = "pro-key"
	ModeDemoKey CredentialMode = "demo-key"
	ModeNoKey   CredentialMode = "no-key"
)

// Adapter is the uniform fetch capability for one external data source.
// Adapters perform network I/O only: no caching, no retries. Those policies
// live in the engine so behavior is centrally testable.
type Adapter interface {
	// Name is the provider name this adapter serves.
	Name() string

	// Capabilities lists the credential modes the adapter supports, ordered
	// by preference. An adapter without ModeNoKey requires a credential.
	Capabilities() []CredentialMode

	// Fetch retrieves the raw payload for a dataset quoted in the given
	// currency. A nil credential selects the public tier. Fetch must honor
	// context cancellation.
	Fetch(ctx context.Context, spec recipe.DatasetSpec, currency string, cred *Credential) (RawPayload, error)

	// Normalize maps a raw payload into the uniform columns/rows shape with
	// semantic column types.
	Normalize(spec recipe.DatasetSpec, payload RawPayload) ([]Column, []Row, error)
}

// AdapterRegistry resolves provider names to adapters.
type AdapterRegistry interface {
	Lookup(provider string) (Adapter, bool)
}

// KeyInvalidator flips a stored credential's validity flag after a provider
// reported an auth failure. Satisfied by the stores layer.
type KeyInvalidator interface {
	InvalidateKey(ctx context.Context, userID, provider string) error
}

// PolicyGate is the redistribution check the engine runs defensively per
// dataset. Satisfied by policy.Engine.
type PolicyGate interface {
	AssertAllowed(ctx context.Context, sources []string, purpose policy.Purpose) error
}

// Clock abstracts time so the cache TTL is testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }
