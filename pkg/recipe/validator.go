package recipe

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/coinscribe/coinscribe/pkg/policy"
)

// ValidationIssue is a single violated constraint, with enough detail for the
// caller to surface every violation at once.
type ValidationIssue struct {
	// Field is the recipe field or dataset ID the issue applies to.
	Field string `json:"field"`

	// Message describes the violated constraint.
	Message string `json:"message"`
}

// PlanCompatibility is the outcome of checking a recipe against a user's plan.
type PlanCompatibility struct {
	// Compatible indicates the plan covers every dataset kind in the recipe.
	Compatible bool `json:"compatible"`

	// RequiredPlan is the tier the recipe demands.
	RequiredPlan PlanTier `json:"required_plan"`

	// Reason names the specific incompatibility; empty when compatible.
	Reason string `json:"reason,omitempty"`
}

// ValidationResult aggregates every structural error, policy pre-check
// violation and plan incompatibility found in one pass.
type ValidationResult struct {
	// Valid is true when the recipe may proceed to execution.
	Valid bool `json:"valid"`

	// Errors lists every violated constraint.
	Errors []ValidationIssue `json:"errors,omitempty"`

	// Warnings lists non-fatal findings.
	Warnings []string `json:"warnings,omitempty"`

	// Plan is the plan compatibility outcome, set once structure checks pass.
	Plan *PlanCompatibility `json:"plan,omitempty"`
}

// Validator checks recipes before any I/O occurs. It is a pure function of its
// inputs: structure first, then the redistribution pre-check for the requested
// purpose, then plan compatibility.
type Validator struct {
	validate *validator.Validate
	policy   *policy.Engine
	logger   zerolog.Logger
}

// NewValidator creates a validator backed by the given policy engine.
func NewValidator(logger zerolog.Logger, policyEngine *policy.Engine) *Validator {
	return &Validator{
		validate: validator.New(),
		policy:   policyEngine,
		logger:   logger.With().Str("component", "recipe-validator").Logger(),
	}
}

// Validate checks the recipe's structure, runs the redistribution pre-check
// for the purpose implied by the requested output format, and checks plan
// compatibility. Provider fields on the recipe's datasets are assigned from
// the kind registry as a side effect; nothing else is mutated.
func (v *Validator) Validate(ctx context.Context, r *Recipe, purpose policy.Purpose, plan Plan) *ValidationResult {
	result := &ValidationResult{Valid: true}

	v.checkStructure(r, result)
	if !result.Valid {
		// Policy and plan checks need resolved providers; stop here.
		return result
	}

	v.checkPolicy(ctx, r, purpose, result)

	compat := v.CheckPlanCompatibility(r, plan)
	result.Plan = &compat
	if !compat.Compatible {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationIssue{
			Field:   "datasets",
			Message: compat.Reason,
		})
	}

	return result
}

// checkStructure verifies well-formedness: struct constraints, unique dataset
// IDs and resolvable kinds. Providers are assigned here.
func (v *Validator) checkStructure(r *Recipe, result *ValidationResult) {
	if err := v.validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				result.Errors = append(result.Errors, ValidationIssue{
					Field:   fe.Namespace(),
					Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
			}
		} else {
			result.Errors = append(result.Errors, ValidationIssue{
				Field:   "recipe",
				Message: err.Error(),
			})
		}
		result.Valid = false
	}

	seen := make(map[string]bool, len(r.Datasets))
	for i := range r.Datasets {
		ds := &r.Datasets[i]
		if ds.ID != "" && seen[ds.ID] {
			result.Errors = append(result.Errors, ValidationIssue{
				Field:   ds.ID,
				Message: "duplicate dataset identifier",
			})
			result.Valid = false
		}
		seen[ds.ID] = true

		provider, _, ok := ResolveKind(ds.Kind)
		if !ok {
			result.Errors = append(result.Errors, ValidationIssue{
				Field:   ds.ID,
				Message: fmt.Sprintf("unknown dataset kind %q", ds.Kind),
			})
			result.Valid = false
			continue
		}
		ds.Provider = provider
	}

	if result.Valid {
		required, _ := RequiredPlanFor(r)
		r.RequiredPlan = required
	}
}

// checkPolicy runs the redistribution pre-check so a recipe destined for a
// download format is rejected before any credential or network work happens.
func (v *Validator) checkPolicy(ctx context.Context, r *Recipe, purpose policy.Purpose, result *ValidationResult) {
	for _, ds := range r.Datasets {
		if err := v.policy.AssertAllowed(ctx, []string{ds.Provider}, purpose); err != nil {
			if verr, ok := err.(*policy.ViolationError); ok {
				for _, violation := range verr.Violations {
					result.Errors = append(result.Errors, ValidationIssue{
						Field:   ds.ID,
						Message: violation.Message,
					})
				}
				result.Valid = false
				continue
			}
			// Missing classification is a configuration error, surfaced as-is.
			result.Errors = append(result.Errors, ValidationIssue{
				Field:   ds.ID,
				Message: err.Error(),
			})
			result.Valid = false
		}
	}
}

// CheckPlanCompatibility compares the most demanding dataset kind's minimum
// plan against the caller's plan. The reason always names the offending kind
// and required tier rather than a generic upgrade message.
func (v *Validator) CheckPlanCompatibility(r *Recipe, plan Plan) PlanCompatibility {
	required, demanding := RequiredPlanFor(r)
	if plan.Tier.AtLeast(required) {
		return PlanCompatibility{Compatible: true, RequiredPlan: required}
	}
	return PlanCompatibility{
		Compatible:   false,
		RequiredPlan: required,
		Reason: fmt.Sprintf("dataset kind %q requires the %s plan; current plan is %s",
			demanding, required, plan.Tier),
	}
}

// asValidationErrors unwraps validator.ValidationErrors without panicking on
// invalid-struct errors.
func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	*target = verrs
	return true
}
