package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/admin"
	"github.com/fyrsmithlabs/orchestd/internal/budget"
	"github.com/fyrsmithlabs/orchestd/internal/config"
	"github.com/fyrsmithlabs/orchestd/internal/events"
	"github.com/fyrsmithlabs/orchestd/internal/executor"
	"github.com/fyrsmithlabs/orchestd/internal/guardrail"
	"github.com/fyrsmithlabs/orchestd/internal/logging"
	"github.com/fyrsmithlabs/orchestd/internal/provider"
	"github.com/fyrsmithlabs/orchestd/internal/routing"
	"github.com/fyrsmithlabs/orchestd/internal/scheduler"
	"github.com/fyrsmithlabs/orchestd/internal/schema"
	"github.com/fyrsmithlabs/orchestd/internal/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestd daemon",
	Long: `Start the orchestration engine and the administrative HTTP server.
The process shuts down gracefully on SIGINT/SIGTERM, saving the
cumulative metrics snapshot on exit.`,
	RunE: runServe,
}

// engine bundles the wired components shared by serve and run.
type engine struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *events.Bus
	ledger *budget.Ledger
	health *routing.HealthTracker
	guard  *guardrail.Monitor
	exec   *executor.Executor
	sched  *scheduler.Scheduler
}

// buildEngine constructs every component from configuration. The
// ledger, health tracker, and breaker are process-wide singletons by
// construction: built once here and passed by reference.
func buildEngine(cfg *config.Config) (*engine, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	bus := events.NewBus()

	var store *budget.HistoryStore
	if cfg.History.Dir != "" {
		store, err = budget.NewHistoryStore(cfg.History.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("init history store: %w", err)
		}
	}
	ledger := budget.NewLedger(cfg.Budget, store, bus, logger)

	health := routing.NewHealthTracker()
	router, err := routing.NewRouter(cfg.Routing, health, logger)
	if err != nil {
		return nil, fmt.Errorf("init router: %w", err)
	}

	completer, err := provider.NewHTTPClient(cfg.Provider.ClientConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("init provider client: %w", err)
	}

	validator, err := schema.NewValidator(logger)
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}

	guard := guardrail.NewMonitor(cfg.Guardrail, bus, logger)

	exec, err := executor.New(cfg.Executor, router, completer, ledger, health, guard, validator, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("init executor: %w", err)
	}

	var verifier *verify.Verifier
	if cfg.Verify.Command != "" {
		runner, err := verify.NewScriptRunner(cfg.Verify.Command, cfg.Verify.Args, logger)
		if err != nil {
			return nil, fmt.Errorf("init sandbox runner: %w", err)
		}
		verifier, err = verify.New(cfg.Verify.Config, exec, runner, bus, logger)
		if err != nil {
			return nil, fmt.Errorf("init verifier: %w", err)
		}
	}

	writer, err := verify.NewDiskWriter(cfg.Verify.OutputDir, logger)
	if err != nil {
		return nil, fmt.Errorf("init artifact writer: %w", err)
	}

	sched, err := scheduler.New(cfg.Scheduler, exec, guard, verifier, writer, ledger, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	return &engine{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		ledger: ledger,
		health: health,
		guard:  guard,
		exec:   exec,
		sched:  sched,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.logger.Sync() //nolint:errcheck

	server, err := admin.NewServer(eng.ledger, eng.health, eng.guard, eng.bus, eng.logger, &admin.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("init admin server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	eng.logger.Info("orchestd started",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port))

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	eng.logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		eng.logger.Error("admin server shutdown failed", zap.Error(err))
	}
	if err := eng.ledger.SaveMetrics(); err != nil {
		eng.logger.Error("failed to save metrics snapshot", zap.Error(err))
	}
	eng.logger.Info("shutdown complete")
	return nil
}

// exitErr prints an error the way cobra would and exits non-zero.
// Used by commands that manage their own lifecycle.
func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
