package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/clipforge/internal/config"
	"github.com/3leaps/clipforge/pkg/artifact"
	"github.com/3leaps/clipforge/pkg/artifact/file"
	"github.com/3leaps/clipforge/pkg/artifact/s3"
	"github.com/3leaps/clipforge/pkg/events"
	"github.com/3leaps/clipforge/pkg/ledger"
	"github.com/3leaps/clipforge/pkg/lifecycle"
	"github.com/3leaps/clipforge/pkg/pricing"
	"github.com/3leaps/clipforge/pkg/stage"
	"github.com/3leaps/clipforge/pkg/store"
	"github.com/3leaps/clipforge/pkg/trigger"
	"github.com/3leaps/clipforge/pkg/upstream"
	"github.com/3leaps/clipforge/pkg/upstream/httpapi"
	"github.com/3leaps/clipforge/pkg/upstream/simulated"
	"github.com/3leaps/clipforge/pkg/worker"
)

// app is the wired component graph shared by commands.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	ledger    *ledger.Ledger
	bus       *events.Bus
	artifacts artifact.Store
	batches   *lifecycle.Manager
	worker    *worker.Worker
	logger    *zap.Logger
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	db, err := store.Open(ctx, store.Config{
		Path:      cfg.Path,
		URL:       cfg.URL,
		AuthToken: cfg.AuthToken,
	})
	if err != nil {
		return nil, exitError(foundry.ExitDatabaseUnavailable, "open store", err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, exitError(foundry.ExitDatabaseUnavailable, "migrate store", err)
	}
	return db, nil
}

// newArtifactStore builds the configured artifact backend.
func newArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (artifact.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return artifact.NewMemory(cfg.BaseURL), nil
	case "file", "":
		fs, err := file.New(file.Config{Dir: cfg.Dir, BaseURL: cfg.BaseURL})
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "s3":
		st, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Profile:         cfg.S3.Profile,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			PublicBaseURL:   cfg.S3.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown artifacts driver %q", cfg.Driver)
	}
}

// newProviders returns the live and mock provider sets. Mock batches always
// run against the simulator.
func newProviders(cfg config.ProvidersConfig, logger *zap.Logger) (live, mock upstream.Providers, err error) {
	sim := simulated.New(simulated.WithRenderPolls(cfg.SimulatedRenderPolls))
	mock = upstream.FromSuite(sim)

	switch strings.ToLower(cfg.Driver) {
	case "simulated", "":
		return mock, mock, nil
	case "http":
		client, err := httpapi.New(httpapi.Config{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Logger:    logger,
		})
		if err != nil {
			return upstream.Providers{}, upstream.Providers{}, err
		}
		return upstream.FromSuite(client), mock, nil
	default:
		return upstream.Providers{}, upstream.Providers{}, fmt.Errorf("unknown providers driver %q", cfg.Driver)
	}
}

// buildApp wires the store, ledger, lifecycle manager and worker.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		db:     db,
		ledger: ledger.New(db),
		bus:    events.NewBus(cfg.Events.Buffer),
		logger: logger,
	}

	a.artifacts, err = newArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		a.Close()
		return nil, exitError(foundry.ExitConfigInvalid, "artifact store", err)
	}

	a.batches, err = lifecycle.New(db, a.ledger, lifecycle.Config{
		Pricer:            pricing.New(cfg.Pricing.UpsellMultiplier),
		ResearchEnabled:   cfg.Providers.ResearchEnabled,
		TrustClientCharge: cfg.Pricing.TrustClientCharge,
		Events:            a.bus,
		Logger:            logger.Named("lifecycle"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	live, mock, err := newProviders(cfg.Providers, logger.Named("upstream"))
	if err != nil {
		a.Close()
		return nil, exitError(foundry.ExitConfigInvalid, "providers", err)
	}
	reg := stage.NewRegistry(stage.Deps{
		Live:      live,
		Mock:      mock,
		Artifacts: a.artifacts,
		Video: stage.VideoConfig{
			PollInterval: cfg.Providers.RenderPollInterval,
			MaxWait:      cfg.Providers.RenderMaxWait,
			DelayAfter:   cfg.Providers.RenderDelayAfter,
		},
		Logger: logger.Named("stage"),
	})

	a.worker, err = worker.New(db, reg, a.ledger, worker.Config{
		RetryCeiling: cfg.Worker.RetryCeiling,
		Lanes:        cfg.Worker.Lanes,
		Events:       a.bus,
		Logger:       logger.Named("worker"),
	})
	if err != nil {
		a.Close()
		return nil, exitError(foundry.ExitConfigInvalid, "worker", err)
	}
	return a, nil
}

// runner returns a trigger runner configured from the worker settings.
func (a *app) runner(stopWhenIdle bool) *trigger.Runner {
	return trigger.New(a.worker, trigger.Config{
		MaxTicks:       a.cfg.Worker.MaxTicks,
		Budget:         a.cfg.Worker.TickBudget,
		StopWhenIdle:   stopWhenIdle,
		SweepEvery:     a.cfg.Worker.SweepEvery,
		StuckThreshold: a.cfg.Worker.StuckThreshold,
		Rate:           a.cfg.Worker.TickRate,
		Logger:         a.logger.Named("trigger"),
	})
}

func (a *app) Close() {
	if a.artifacts != nil {
		_ = a.artifacts.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// loadApp builds the app from the configuration loaded by initApp.
func loadApp(ctx context.Context, logger *zap.Logger) (*app, error) {
	if appConfig == nil {
		return nil, exitError(foundry.ExitConfigInvalid, "configuration not loaded", nil)
	}
	return buildApp(ctx, appConfig, logger)
}
