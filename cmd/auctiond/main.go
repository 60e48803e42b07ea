package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bugzero/auctiond/internal/auction"
	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/config"
	"github.com/bugzero/auctiond/internal/deposit"
	"github.com/bugzero/auctiond/internal/event"
	"github.com/bugzero/auctiond/internal/health"
	"github.com/bugzero/auctiond/internal/leader"
	"github.com/bugzero/auctiond/internal/scanner"
	"github.com/bugzero/auctiond/internal/scheduler"
	"github.com/bugzero/auctiond/internal/settlement"
	"github.com/bugzero/auctiond/internal/store"
	"github.com/bugzero/auctiond/internal/telemetry"
	"github.com/bugzero/auctiond/internal/wallet"

	// Register store drivers so they are available via store.Open.
	_ "github.com/bugzero/auctiond/internal/store/memstore"
	_ "github.com/bugzero/auctiond/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver (postgres or memory).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to store", slog.String("driver", cfg.Database.Driver))

	// Select the event sink.
	var dispatcher event.Dispatcher
	switch cfg.Events.Sink {
	case "kafka":
		sink, sinkErr := event.NewKafkaSink(cfg.Events.Brokers, cfg.Events.Topic, logger)
		if sinkErr != nil {
			return fmt.Errorf("creating kafka sink: %w", sinkErr)
		}
		defer func() {
			if closeErr := sink.Close(); closeErr != nil {
				logger.Error("kafka sink shutdown error", slog.Any("error", closeErr))
			}
		}()
		dispatcher = sink
	default:
		dispatcher = event.NewBus(logger)
	}

	// Initialize managers. The scheduler needs the settlement orchestrator's
	// settle-one, and the orchestrator needs the auction manager, so the
	// auction manager starts with a detached scheduler handle that is swapped
	// in below.
	walletMgr := wallet.NewManager(repos.Wallets, logger, tp.TracerProvider)
	depositMgr := deposit.NewManager(repos.Deposits, walletMgr, logger, tp.TracerProvider)

	var sched *scheduler.Scheduler
	schedHandle := scheduledProxy{inner: &sched}

	auctionMgr := auction.NewManager(
		repos.Auctions, repos.Orders, depositMgr, schedHandle, dispatcher,
		logger, tp.TracerProvider, clk, int64(cfg.Auction.DepositRatePercent),
	)
	orchestrator, err := settlement.NewOrchestrator(
		repos.Settlements, repos.Orders, auctionMgr, depositMgr, walletMgr,
		settlement.NopGateway{}, dispatcher, logger, tp.TracerProvider, clk,
		cfg.Scheduler.Workers,
	)
	if err != nil {
		return fmt.Errorf("creating settlement orchestrator: %w", err)
	}
	defer orchestrator.Close()

	sched, err = scheduler.New(
		orchestrator.SettleOne, cfg.Scheduler.Capacity, cfg.Scheduler.Workers,
		logger, tp.TracerProvider, clk,
	)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	defer sched.Shutdown()

	timeoutScanner := scanner.New(
		repos.Orders, depositMgr, orchestrator, dispatcher,
		logger, tp.TracerProvider, clk,
		time.Duration(cfg.Auction.PaymentTimeoutDays)*24*time.Hour,
		cfg.Settlement.PageSize,
	)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	// Start HTTP server for health checks (runs on all replicas).
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	// runCore is the time-driven work only the leader runs: the auction
	// end-time timers, the settlement batch and the payment-timeout sweep.
	runCore := func(ctx context.Context) {
		if n, recoverErr := auctionMgr.Recover(ctx); recoverErr != nil {
			logger.ErrorContext(ctx, "auction recovery failed", slog.Any("error", recoverErr))
		} else if n > 0 {
			logger.InfoContext(ctx, "recovered running auctions", slog.Int("count", n))
		}

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auctiond is running (leader)", slog.String("version", version))

		batchTicker := time.NewTicker(cfg.Settlement.BatchInterval)
		defer batchTicker.Stop()
		scanTicker := time.NewTicker(cfg.Settlement.ScanInterval)
		defer scanTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				healthHandler.SetReady(false)
				return
			case <-batchTicker.C:
				if _, _, batchErr := orchestrator.RunBatch(ctx, cfg.Settlement.ChunkSize); batchErr != nil {
					logger.ErrorContext(ctx, "settlement batch failed", slog.Any("error", batchErr))
				}
			case <-scanTicker.C:
				if _, scanErr := timeoutScanner.Run(ctx); scanErr != nil {
					logger.ErrorContext(ctx, "payment timeout sweep failed", slog.Any("error", scanErr))
				}
			}
		}
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, runCore, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		runCore(ctx)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}

// scheduledProxy defers scheduler calls to a handle assigned after the
// auction manager is constructed.
type scheduledProxy struct {
	inner **scheduler.Scheduler
}

func (p scheduledProxy) Schedule(auctionID string, endTime time.Time) error {
	if *p.inner == nil {
		return nil
	}
	return (*p.inner).Schedule(auctionID, endTime)
}

func (p scheduledProxy) Cancel(auctionID string) {
	if *p.inner == nil {
		return
	}
	(*p.inner).Cancel(auctionID)
}
