/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the utility billing ledger. Handles configuration,
  dependency injection, and graceful shutdown, and exposes the nightly
  batch steps as one-shot commands for operators.

COMMANDS:
  serve             Start the HTTP server and the nightly scheduler
  recalc-penalties  Recalculate late penalties for one client
  rebuild-view      Rebuild the aggregated view of one client and year
  version           Print version information

GLOBAL FLAGS:
  -c, --config   Config file (YAML); LEDGER_* environment variables override it
      --db       Store path, overrides database.path ("memory" for in-memory)

STARTUP SEQUENCE (serve):
  1. Load configuration (viper) and build the logger (zap)
  2. Register Prometheus collectors
  3. Load client billing policies (YAML)
  4. Open the store (SQLite with migrations, or in-memory)
  5. Wire the service, handler, router and scheduler
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the nightly scheduler (waits for a running batch)
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  ./server serve -c config.yaml
  LEDGER_SERVER_PORT=9090 ./server serve --db=":memory:"
  ./server recalc-penalties --client acme-water --as-of 2025-03-31
  ./server rebuild-view --client acme-water --year 2025

SEE ALSO:
  - api/server.go: Router configuration
  - service/service.go: Component wiring
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/utility-ledger/api"
	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/billing/store"
	"github.com/warp/utility-ledger/config"
	"github.com/warp/utility-ledger/logging"
	"github.com/warp/utility-ledger/metrics"
	"github.com/warp/utility-ledger/penalty"
	"github.com/warp/utility-ledger/policy"
	"github.com/warp/utility-ledger/service"
	"github.com/warp/utility-ledger/store/sqlite"
)

const (
	Version = "0.1.0"
	appName = "utility-ledger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	dbPath     string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Utility billing ledger and payment reconciliation engine",
		Long: `Tracks monthly utility bills per unit, applies payments oldest bill
first, keeps overpayments as fiscal-year credit, charges late penalties and
serves an aggregated per-year view for dashboards.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.dbPath, "db", "", `Store path, overrides database.path ("memory" for in-memory)`)

	cmd.AddCommand(serveCmd(&g), recalcCmd(&g), rebuildCmd(&g))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	return cmd
}

// =============================================================================
// WIRING
// =============================================================================

// app holds what every command needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	svc    *service.Service
	closer io.Closer
}

func (a *app) Close() {
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			a.logger.Warn("closing store", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// setup loads configuration and wires the service. Collectors are registered
// only for the long-running server.
func setup(g *globalFlags, withMetrics bool) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.Database.Path = g.dbPath
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level, logCfg.Format, logCfg.Output = cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if withMetrics && cfg.Metrics.Enabled {
		metrics.Init()
	}

	policies, err := policy.LoadFile(cfg.Policies.File)
	if err != nil {
		return nil, err
	}

	var (
		txStore billing.TxStore
		closer  io.Closer
	)
	if cfg.Database.Path == "memory" {
		txStore = store.NewTxMemory()
		logger.Warn("using in-memory store, data is lost on exit")
	} else {
		s, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		txStore, closer = s, s
	}

	svc := service.New(txStore, policies,
		service.WithLogger(logger),
		service.WithRetry(billing.RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}),
	)

	logger.Info("ledger initialized",
		zap.String("database", cfg.Database.Path),
		zap.String("policies", cfg.Policies.File),
		zap.Int("clients", len(policies.Clients())),
	)
	return &app{cfg: cfg, logger: logger, svc: svc, closer: closer}, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	cfg := a.cfg
	handler := api.NewHandler(a.svc, a.logger.Named("api"))
	handler.Nightly.Interval = cfg.Scheduler.Interval
	handler.Nightly.Concurrency = cfg.Scheduler.Concurrency
	handler.Nightly.Enabled = cfg.Scheduler.Enabled

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsPath:    metricsPath,
		Logger:         a.logger.Named("http"),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	handler.Nightly.Start()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err, ok := <-errCh:
		if ok {
			handler.Nightly.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	a.logger.Info("shutting down server")
	handler.Nightly.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("server stopped")
	return nil
}

func recalcCmd(g *globalFlags) *cobra.Command {
	var (
		clientID string
		unitID   string
		asOf     string
	)
	cmd := &cobra.Command{
		Use:   "recalc-penalties",
		Short: "Recalculate late penalties for a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			if asOf != "" {
				t, err := time.Parse("2006-01-02", asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of: %w", err)
				}
				at = t
			}
			scope := penalty.AllUnits()
			if unitID != "" {
				scope = penalty.Unit(billing.UnitID(unitID))
			}

			a, err := setup(g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.svc.RecalculatePenalties(cmd.Context(), billing.ClientID(clientID), scope, at)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "examined %d bills, skipped %d paid, updated %d\n",
				run.Examined, run.Skipped, run.Updated())
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "Client id")
	cmd.Flags().StringVar(&unitID, "unit", "", "Only this unit")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Evaluation date (YYYY-MM-DD, default today)")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func rebuildCmd(g *globalFlags) *cobra.Command {
	var (
		clientID string
		year     int
	)
	cmd := &cobra.Command{
		Use:   "rebuild-view",
		Short: "Rebuild the aggregated view of a client and fiscal year",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			cid := billing.ClientID(clientID)
			if year == 0 {
				year = a.svc.Policy(cid).Calendar().FiscalYearOf(time.Now())
			}
			v, err := a.svc.RebuildView(cmd.Context(), cid, year)
			if err != nil {
				return err
			}
			pol := a.svc.Policy(cid)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d: %d units, %d bills, unpaid %s, credit %s\n",
				cid, year, v.Totals.Units, v.Totals.Bills,
				pol.Display(v.Totals.Unpaid), pol.Display(v.Totals.Credit))
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "Client id")
	cmd.Flags().IntVar(&year, "year", 0, "Fiscal year (default: current)")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}
