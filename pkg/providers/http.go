package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/coinscribe/coinscribe/pkg/engine"
)

// maxResponseBytes caps how much of an upstream body we are willing to read.
const maxResponseBytes = 16 << 20

// getJSON issues a GET with the given headers and returns the raw body.
// Non-2xx statuses and transport failures come back as engine.ProviderError
// so the engine can classify them uniformly.
func getJSON(ctx context.Context, client *http.Client, provider, rawURL string, headers map[string]string) (engine.RawPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &engine.ProviderError{
			Kind:     engine.ProviderErrUnknown,
			Provider: provider,
			Message:  "building request failed",
			Err:      err,
		}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		kind := engine.ProviderErrUnknown
		if errors.Is(err, context.DeadlineExceeded) {
			kind = engine.ProviderErrTimeout
		}
		return nil, &engine.ProviderError{
			Kind:     kind,
			Provider: provider,
			Message:  "request failed",
			Err:      err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &engine.ProviderError{
			Kind:     engine.ProviderErrUnknown,
			Provider: provider,
			Message:  "reading response body failed",
			Err:      err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(provider, resp.StatusCode)
	}
	return engine.RawPayload(body), nil
}

// classifyStatus maps an upstream HTTP status to a ProviderError kind.
func classifyStatus(provider string, status int) *engine.ProviderError {
	kind := engine.ProviderErrUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = engine.ProviderErrAuth
	case status == http.StatusTooManyRequests:
		kind = engine.ProviderErrRateLimited
	case status == http.StatusNotFound:
		kind = engine.ProviderErrNotFound
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		kind = engine.ProviderErrTimeout
	}
	return &engine.ProviderError{
		Kind:       kind,
		Provider:   provider,
		StatusCode: status,
		Message:    fmt.Sprintf("unexpected status %d", status),
	}
}

// buildURL joins a base endpoint, a path and query values.
func buildURL(base, path string, query url.Values) string {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}
