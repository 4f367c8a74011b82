package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/clipforge/internal/observability"
	"github.com/3leaps/clipforge/internal/server"
	"github.com/3leaps/clipforge/internal/server/handlers"
	"github.com/3leaps/clipforge/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API with health endpoints.

When worker.interval is set, the process also drains the job queue with a
bounded trigger run on that interval. Otherwise an external scheduler is
expected to call POST /v1/worker/tick.

Examples:
  clipforge serve
  clipforge serve --port 9000 --worker-interval 10s`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().String("worker-interval", "", "In-process trigger interval, e.g. 10s (overrides worker.interval)")
	bindConfigFlag(serveCmd, "host", "server.host")
	bindConfigFlag(serveCmd, "port", "server.port")
	bindConfigFlag(serveCmd, "worker-interval", "worker.interval")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	logger := observability.InitServerLogger(cmd.Root().Name(), cfg.Logging.Level)

	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.SetStarting(false)
	hm.SetCheckTimeout(cfg.Health.CheckTimeout)

	a, err := loadApp(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer a.Close()

	id := GetAppIdentity()
	hm.RegisterChecker("store", storeHealthChecker{db: a.db})
	hm.RegisterChecker("signals", signalHealthChecker{})
	if id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPI(&handlers.API{
			Batches: a.batches,
			Worker:  a.worker,
			Ledger:  a.ledger,
			Events:  a.bus,
			Logger:  logger.Named("api"),
		}),
		server.WithAdminToken(cfg.AdminToken),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()

	if cfg.Worker.Interval > 0 {
		runner := a.runner(true)
		logger.Info("In-process trigger enabled", zap.Duration("interval", cfg.Worker.Interval))
		go func() {
			if err := runner.Serve(ctx, cfg.Worker.Interval); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("trigger: %w", err)
			}
		}()
	}

	hm.SetStarting(true)
	logger.Info("clipforge started",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.Bool("admin_api", cfg.AdminToken != ""))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("Server stopped", zap.Error(runErr))
		}
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(cmd.Context()), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete", zap.Error(err))
	}
	if runErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "serve", runErr)
	}
	return nil
}

// storeHealthChecker reports whether the database answers.
type storeHealthChecker struct {
	db *sql.DB
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return store.Ping(ctx, c.db)
}

// signalHealthChecker is always healthy; it confirms the signal handler is
// installed by virtue of the process running under Execute.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

// identityHealthChecker verifies the app identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("identity: missing env prefix")
	case c.configName == "":
		return errors.New("identity: missing config name")
	}
	return nil
}
