// Package service orchestrates the full report pipeline: recipe validation,
// credential resolution, engine execution, report assembly and usage
// recording. The HTTP server and the CLI both drive this layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinscribe/coinscribe/pkg/engine"
	"github.com/coinscribe/coinscribe/pkg/policy"
	"github.com/coinscribe/coinscribe/pkg/recipe"
	"github.com/coinscribe/coinscribe/pkg/report"
	"github.com/coinscribe/coinscribe/pkg/stores"
	"github.com/coinscribe/coinscribe/pkg/vault"
)

// ErrRecipeInvalid wraps a failed validation so callers can surface the full
// issue list instead of a single message.
type ErrRecipeInvalid struct {
	Result *recipe.ValidationResult
}

// Error implements the error interface.
func (e *ErrRecipeInvalid) Error() string {
	if e.Result != nil && len(e.Result.Errors) > 0 {
		return fmt.Sprintf("recipe invalid: %s", e.Result.Errors[0].Message)
	}
	return "recipe invalid"
}

// Service wires the pipeline stages together.
type Service struct {
	validator *recipe.Validator
	engine    *engine.Engine
	assembler *report.Assembler
	store     stores.Store
	vault     *vault.Vault
	plans     recipe.PlanResolver
	logger    zerolog.Logger
}

// New creates the service.
func New(
	logger zerolog.Logger,
	validator *recipe.Validator,
	eng *engine.Engine,
	assembler *report.Assembler,
	store stores.Store,
	v *vault.Vault,
	plans recipe.PlanResolver,
) *Service {
	return &Service{
		validator: validator,
		engine:    eng,
		assembler: assembler,
		store:     store,
		vault:     v,
		plans:     plans,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// PurposeForFormat maps a report format to the policy purpose it implies.
// Previews only display data; workbook downloads redistribute it.
func PurposeForFormat(format report.Format) policy.Purpose {
	if format == report.FormatExcel {
		return policy.PurposeDownload
	}
	return policy.PurposeDisplay
}

// ValidateRecipe runs the full validation pass for a user without executing
// anything.
func (s *Service) ValidateRecipe(ctx context.Context, userID string, r *recipe.Recipe, format report.Format) (*recipe.ValidationResult, error) {
	plan, err := s.plans.GetUserPlan(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving plan for user %s: %w", userID, err)
	}
	return s.validator.Validate(ctx, r, PurposeForFormat(format), plan), nil
}

// GenerateReport runs the whole pipeline and returns the assembled report.
// A validation failure returns *ErrRecipeInvalid carrying every issue.
func (s *Service) GenerateReport(ctx context.Context, userID string, r *recipe.Recipe, format report.Format) (*report.Report, *engine.ExecutionResult, error) {
	if !format.Valid() {
		return nil, nil, fmt.Errorf("unknown report format %q", format)
	}

	plan, err := s.plans.GetUserPlan(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving plan for user %s: %w", userID, err)
	}

	purpose := PurposeForFormat(format)
	validation := s.validator.Validate(ctx, r, purpose, plan)
	if !validation.Valid {
		return nil, nil, &ErrRecipeInvalid{Result: validation}
	}

	execCtx, err := s.buildExecutionContext(ctx, userID, plan)
	if err != nil {
		return nil, nil, err
	}

	result, err := s.engine.Execute(ctx, r, execCtx, purpose)
	if err != nil {
		return nil, nil, err
	}

	rep, err := s.assembler.Assemble(ctx, result, format)
	if err != nil {
		return nil, result, err
	}

	s.recordUsage(ctx, userID, r, result, format)
	return rep, result, nil
}

// buildExecutionContext decrypts the user's valid provider keys into a
// transient context. Keys that fail decryption are skipped with a warning so
// one corrupt record cannot block unrelated providers.
func (s *Service) buildExecutionContext(ctx context.Context, userID string, plan recipe.Plan) (*engine.ExecutionContext, error) {
	execCtx := &engine.ExecutionContext{
		UserID: userID,
		Plan:   plan,
		Keys:   make(map[string]engine.Credential),
	}

	records, err := s.store.GetEncryptedKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading provider keys for user %s: %w", userID, err)
	}

	for _, rec := range records {
		if !rec.Valid {
			continue
		}
		plaintext, err := s.vault.Decrypt(rec.Ciphertext)
		if err != nil {
			if errors.Is(err, vault.ErrNoMasterKey) {
				return nil, err
			}
			s.logger.Warn().Str("user_id", userID).Str("provider", rec.Provider).
				Msg("Stored provider key failed decryption; skipping")
			continue
		}
		execCtx.Keys[rec.Provider] = engine.Credential{
			Key:  plaintext,
			Tier: string(rec.KeyTier),
		}
	}
	return execCtx, nil
}

// recordUsage persists the audit record for one completed run. Failures are
// logged, never surfaced: the user already has their report.
func (s *Service) recordUsage(ctx context.Context, userID string, r *recipe.Recipe, result *engine.ExecutionResult, format report.Format) {
	event := &stores.UsageEvent{
		UserID:     userID,
		RecipeID:   r.ID,
		Format:     string(format),
		Datasets:   result.Metadata.DatasetsAttempted,
		Succeeded:  result.Metadata.DatasetsSucceeded,
		TotalRows:  result.Metadata.TotalRows,
		DurationMS: result.Metadata.Duration.Milliseconds(),
		RecordedAt: time.Now().UTC(),
	}
	if err := s.store.RecordUsageEvent(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("recipe_id", r.ID).
			Msg("Failed to record usage event")
	}
}

// StoreProviderKey encrypts and persists one provider credential.
func (s *Service) StoreProviderKey(ctx context.Context, userID, provider, key string, tier stores.KeyTier) error {
	if key == "" {
		return fmt.Errorf("provider key must not be empty")
	}
	ciphertext, err := s.vault.Encrypt(key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.store.UpsertProviderKey(ctx, &stores.ProviderKeyRecord{
		UserID:     userID,
		Provider:   provider,
		Ciphertext: ciphertext,
		KeyTier:    tier,
		Valid:      true,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// ListProviderKeys returns the user's key records without ciphertext.
func (s *Service) ListProviderKeys(ctx context.Context, userID string) ([]*stores.ProviderKeyRecord, error) {
	return s.store.GetEncryptedKeys(ctx, userID)
}
