// Package policy implements the redistribution gate: a static classification
// registry per data provider plus an allow/deny check evaluated through OPA.
// The check runs twice per request, once during recipe validation and once
// defensively before a download artifact is written.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates the redistribution policy against classified sources.
// It is stateless per call and safe for concurrent use.
type Engine struct {
	registry *Registry
	query    rego.PreparedEvalQuery
	logger   zerolog.Logger
}

// policySource is the per-source input handed to the Rego policy.
type policySource struct {
	Provider string `json:"provider"`
	License  string `json:"license"`
}

// policyInput is the input document for the redistribution policy.
type policyInput struct {
	Purpose string         `json:"purpose"`
	Sources []policySource `json:"sources"`
}

// NewEngine compiles the builtin redistribution policy against the given
// classification registry.
func NewEngine(logger zerolog.Logger, registry *Registry) (*Engine, error) {
	r := rego.New(
		rego.Module(redistributionPolicyName, builtinRedistributionPolicy),
		rego.Query("data.coinscribe.redistribution.deny"),
	)

	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare redistribution policy: %w", err)
	}

	return &Engine{
		registry: registry,
		query:    query,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}, nil
}

// Registry returns the classification registry backing this engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// AssertAllowed checks every source in the set against the redistribution
// policy for the given purpose. It returns nil when all sources are allowed
// and a *ViolationError listing every disallowed member otherwise. A source
// with no classification is a configuration error, not a policy violation.
func (e *Engine) AssertAllowed(ctx context.Context, sources []string, purpose Purpose) error {
	result, err := e.Evaluate(ctx, sources, purpose)
	if err != nil {
		return err
	}
	if !result.Allowed {
		return &ViolationError{Violations: result.Violations}
	}
	return nil
}

// Evaluate runs the redistribution policy and returns the full result,
// including every violation in the set.
func (e *Engine) Evaluate(ctx context.Context, sources []string, purpose Purpose) (*Result, error) {
	input := policyInput{Purpose: string(purpose)}
	for _, name := range sources {
		c, ok := e.registry.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("no source classification for provider %q", name)
		}
		input.Sources = append(input.Sources, policySource{
			Provider: c.Provider,
			License:  string(c.License),
		})
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("redistribution policy evaluation error: %w", err)
	}

	now := time.Now()
	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.createViolation(d, purpose, now))
			}
		}
	}

	if len(violations) > 0 {
		e.logger.Debug().
			Int("violations", len(violations)).
			Str("purpose", string(purpose)).
			Msg("Redistribution policy denied sources")
	}

	return &Result{
		Allowed:     len(violations) == 0,
		Violations:  violations,
		EvaluatedAt: now,
	}, nil
}

// createViolation converts a deny entry from the Rego result into a Violation.
func (e *Engine) createViolation(result interface{}, purpose Purpose, at time.Time) Violation {
	violation := Violation{
		Policy:     redistributionPolicyName,
		Purpose:    purpose,
		DetectedAt: at,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if src, ok := v["source"].(string); ok {
			violation.Source = src
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}
