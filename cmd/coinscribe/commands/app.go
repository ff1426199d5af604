package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/coinscribe/coinscribe/pkg/config"
	"github.com/coinscribe/coinscribe/pkg/engine"
	"github.com/coinscribe/coinscribe/pkg/policy"
	"github.com/coinscribe/coinscribe/pkg/providers"
	"github.com/coinscribe/coinscribe/pkg/recipe"
	"github.com/coinscribe/coinscribe/pkg/report"
	"github.com/coinscribe/coinscribe/pkg/service"
	"github.com/coinscribe/coinscribe/pkg/stores"
	"github.com/coinscribe/coinscribe/pkg/telemetry"
	"github.com/coinscribe/coinscribe/pkg/vault"
)

// app bundles the wired pipeline for one command invocation.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	registry *policy.Registry
	store    *stores.SQLiteStore
	service  *service.Service
}

// newApp builds the full stack from the configuration file.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tlog, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := tlog.Zerolog()

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return nil, fmt.Errorf("initializing tracer: %w", err)
	}

	registry, err := policy.LoadRegistry(logger, cfg.Policy.ClassificationPath)
	if err != nil {
		return nil, fmt.Errorf("loading source classifications: %w", err)
	}
	if cfg.Policy.WatchReload {
		if err := registry.Watch(cfg.Policy.ClassificationPath); err != nil {
			logger.Warn().Err(err).Msg("Classification hot reload unavailable")
		}
	}

	policyEngine, err := policy.NewEngine(logger, registry)
	if err != nil {
		return nil, fmt.Errorf("initializing policy engine: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating store: %w", err)
	}

	v, err := vault.New(cfg.MasterKey())
	if err != nil {
		return nil, err
	}
	if !v.Ready() {
		logger.Warn().Msg("No master key configured; provider key operations will fail")
	}

	cache := engine.NewCache(cfg.Engine.CacheTTL, engine.SystemClock{})
	adapters := providers.NewDefaultRegistry(logger)

	eng := engine.New(logger, adapters, policyEngine, store, cache, metrics, tracer, engine.Options{
		MaxParallel:    cfg.Engine.MaxParallel,
		DatasetTimeout: cfg.Engine.DatasetTimeout,
		RetryBackoff:   cfg.Engine.RetryBackoff,
	})

	assembler := report.NewAssembler(policyEngine, nil, logger)
	validator := recipe.NewValidator(logger, policyEngine)

	// CLI runs resolve a fixed plan; deployments inject the entitlement
	// service behind the same interface.
	tier := recipe.PlanTier(planTier)
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown plan tier %q", planTier)
	}
	plans := recipe.StaticPlanResolver{Plan: recipe.Plan{Tier: tier}}

	svc := service.New(logger, validator, eng, assembler, store, v, plans)

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		registry: registry,
		store:    store,
		service:  svc,
	}, nil
}

// Close releases everything the app holds open.
func (a *app) Close(ctx context.Context) {
	if err := a.registry.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Closing classification watcher failed")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Closing store failed")
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Tracer shutdown failed")
	}
}

// loadRecipe reads a recipe document from a YAML or JSON file.
func loadRecipe(path string) (*recipe.Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe file: %w", err)
	}

	if !strings.EqualFold(filepath.Ext(path), ".json") {
		// YAML documents are bridged through JSON so the recipe's json tags
		// apply to both formats.
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing recipe file: %w", err)
		}
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("converting recipe file: %w", err)
		}
	}

	var r recipe.Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing recipe file: %w", err)
	}
	return &r, nil
}
