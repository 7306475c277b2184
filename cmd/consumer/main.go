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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/ingest"
	"github.com/example/ride-bidding/internal/localstate"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/observability"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flagSet := pflag.NewFlagSet("ride-bidding-consumer", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel, "ride-bidding-consumer")
	state := localstate.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := state.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = state.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	c := &consumer{pruner: state, attempts: cfg.RetryAttempts, delay: cfg.RetryDelay, logger: logger}
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return nil
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		c.handle(ctx, m.Value)
	}
}

// RidePruner is the local state the consumer clears once a ride has ended.
type RidePruner interface {
	RemoveMarkers(ctx context.Context, rideID string) (int, error)
	DeleteTimer(ctx context.Context, rideID string) error
}

type consumer struct {
	pruner   RidePruner
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// handle decodes one ride event and prunes the ride's markers and timer
// snapshot when it is terminal. It returns the outcome label it recorded.
func (c *consumer) handle(ctx context.Context, value []byte) string {
	ev, err := ingest.DecodeEvent(value)
	if err != nil {
		observability.EventsConsumedTotal.WithLabelValues("unknown", "invalid").Inc()
		c.logger.Warn("invalid ride event", "error", err)
		return "invalid"
	}
	typ := string(ev.Type)
	if !ev.Status.Terminal() {
		observability.EventsConsumedTotal.WithLabelValues(typ, "skipped").Inc()
		return "skipped"
	}
	n, err := pruneWithRetry(ctx, c.pruner, ev.RideID, c.attempts, c.delay)
	if err != nil {
		observability.EventsConsumedTotal.WithLabelValues(typ, "error").Inc()
		c.logger.Error("prune ride state failed", "ride_id", ev.RideID, "error", err)
		return "error"
	}
	observability.EventsConsumedTotal.WithLabelValues(typ, "pruned").Inc()
	c.logger.Debug("pruned ride state", "ride_id", ev.RideID, "markers", n, "status", ev.Status)
	return "pruned"
}

// pruneWithRetry removes the ride's local state with retry/backoff.
func pruneWithRetry(ctx context.Context, p RidePruner, rideID string, attempts int, delay time.Duration) (int, error) {
	var removed int
	markersDone := false
	for i := 0; i < attempts; i++ {
		if !markersDone {
			n, err := p.RemoveMarkers(ctx, rideID)
			if err != nil {
				if i == attempts-1 {
					return removed, err
				}
				if err := sleep(ctx, delay); err != nil {
					return removed, err
				}
				delay *= 2
				continue
			}
			removed, markersDone = n, true
		}
		if err := p.DeleteTimer(ctx, rideID); err != nil {
			if i == attempts-1 {
				return removed, err
			}
			if err := sleep(ctx, delay); err != nil {
				return removed, err
			}
			delay *= 2
			continue
		}
		return removed, nil
	}
	return removed, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
