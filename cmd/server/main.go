package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/ride-bidding/internal/assign"
	"github.com/example/ride-bidding/internal/changefeed"
	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/completion"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/connectivity"
	"github.com/example/ride-bidding/internal/dispatch"
	httpapi "github.com/example/ride-bidding/internal/http"
	"github.com/example/ride-bidding/internal/ingest"
	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/localstate"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/otpgate"
	"github.com/example/ride-bidding/internal/storage"
	"github.com/example/ride-bidding/internal/timer"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flagSet := pflag.NewFlagSet("ride-bidding-api", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "address to listen on")
	flagSet.BoolVar(&cfg.RunMigrations, "migrate", cfg.RunMigrations, "apply embedded schema migrations on start")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel, "ride-bidding-api")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, feedSource, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var local localstate.State = localstate.NewMemory()
	if cfg.RedisAddr != "" {
		rs := localstate.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, local state may be lost on restart", "addr", cfg.RedisAddr, "error", err)
		}
		local = rs
	}
	defer local.Close()

	clk := clock.Real()
	broker := changefeed.NewBroker()
	wsreg := dispatch.NewWSRegistry()
	events := changefeed.Fanout{broker, wsreg}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		events = append(events, kp)
	}
	if cfg.PushEndpoint != "" {
		events = append(events, dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey))
	}

	// Other API instances write to the same database, so their changes are
	// picked up by polling; a single in-memory process is served by the broker.
	var feed changefeed.Feed = broker
	if feedSource != nil {
		feed = changefeed.NewPoller(feedSource, clk, cfg.FeedPollInterval, logger)
	}

	monitor := connectivity.NewMonitor(store, local, clk, logger)
	monitor.OnUnresolved = func(res connectivity.Resolution) {
		logger.Warn("write lost during store outage",
			"op", res.Write.Op, "ride_id", res.Write.RideID, "driver_id", res.Write.DriverID,
			"ride_status", res.Ride.Status)
	}
	go monitor.Run(ctx, cfg.ProbeInterval)

	led := ledger.New(store, local, clk, monitor, logger, cfg.LedgerCapacity)

	var coord *assign.Coordinator
	timers := timer.NewRegistry(timer.Options{
		Store:    store,
		Feed:     feed,
		Clock:    clk,
		Local:    local,
		Observer: monitor,
		Logger:   logger,
		Expirer: timer.ExpirerFunc(func(ctx context.Context, rideID string) (models.RideRequest, error) {
			return coord.ExpireRide(ctx, rideID)
		}),
		TickInterval:      cfg.TickInterval,
		ReconcileInterval: cfg.ReconcileInterval,
	})
	defer timers.Close()

	coord = assign.New(assign.Options{
		Store:     store,
		Clock:     clk,
		Events:    events,
		Writes:    monitor,
		Timers:    timers,
		Logger:    logger,
		BidWindow: cfg.BidWindow,
		OTPLength: cfg.OTPLength,
	})

	srv := httpapi.NewServer(httpapi.Deps{
		Rides:      coord,
		OTP:        otpgate.NewVerifier(store, clk, events, monitor, logger),
		Completion: completion.New(completion.Options{Store: store, Clock: clk, Events: events, Writes: monitor, Active: led, Logger: logger, Commission: &cfg.Commission}),
		Ledger:     led,
		Timers:     timers,
		SessionTimers: func() *timer.Registry {
			return timer.NewRegistry(timer.Options{
				Store:             store,
				Feed:              feed,
				Clock:             clk,
				Local:             local,
				Observer:          monitor,
				Logger:            logger,
				TickInterval:      cfg.TickInterval,
				ReconcileInterval: cfg.ReconcileInterval,
			})
		},
		WSReg:   wsreg,
		Monitor: monitor,
		Store:   store,
		Logger:  logger,
	})

	go pruneLedger(ctx, led, logger)
	go sweepExpired(ctx, coord, cfg.ReconcileInterval, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-bidding listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore returns the ride store and, when it is shared between
// processes, the reader the change feed polls.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, changefeed.RideReader, func(), error) {
	if cfg.PGDSN == "" {
		logger.Info("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil, func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		applied, err := ps.Migrate(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, ps, func() { _ = ps.Close() }, nil
}

// pruneLedger drops notification markers of rides that have ended.
func pruneLedger(ctx context.Context, led *ledger.Ledger, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := led.PruneTerminal(ctx)
			if err != nil {
				logger.Warn("prune notification markers failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned notification markers", "count", n)
			}
		}
	}
}

// sweepExpired expires pending rides whose window closed while no watch was
// running, once at startup and then on every period.
func sweepExpired(ctx context.Context, coord *assign.Coordinator, period time.Duration, logger *slog.Logger) {
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		if _, err := coord.SweepExpired(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("sweep expired rides failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
