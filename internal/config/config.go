package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the API process. Values
// come from the environment, optionally seeded from a .env file, with
// defaults that let the binary run locally on in-memory adapters.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool

	PushEndpoint string
	PushKey      string

	BidWindow         time.Duration
	TickInterval      time.Duration
	ReconcileInterval time.Duration
	FeedPollInterval  time.Duration
	ProbeInterval     time.Duration

	LedgerCapacity int
	OTPLength      int
	Commission     float64

	LogLevel string
}

// ConsumerConfig configures the ride event consumer.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	MetricsAddr   string
	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisKeyPrefix:    "ride-bidding",
		KafkaTopic:        "ride-events",
		BidWindow:         5 * time.Minute,
		TickInterval:      time.Second,
		ReconcileInterval: 10 * time.Second,
		FeedPollInterval:  3 * time.Second,
		ProbeInterval:     5 * time.Second,
		LedgerCapacity:    500,
		OTPLength:         4,
		Commission:        0.15,
		LogLevel:          "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaTopic:     "ride-events",
		KafkaGroup:     "ride-bidding-pruner",
		RedisAddr:      "localhost:6379",
		RedisKeyPrefix: "ride-bidding",
		MetricsAddr:    ":2112",
		RetryAttempts:  3,
		RetryDelay:     200 * time.Millisecond,
		LogLevel:       "info",
	}
}

// loadDotEnv seeds the environment from .env when present. Variables that
// are already set win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setDurationFromEnv(&cfg.BidWindow, "BID_WINDOW", &errs)
	setDurationFromEnv(&cfg.TickInterval, "TIMER_TICK_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReconcileInterval, "TIMER_RECONCILE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.FeedPollInterval, "FEED_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ProbeInterval, "STORE_PROBE_INTERVAL", &errs)

	setIntFromEnv(&cfg.LedgerCapacity, "LEDGER_CAPACITY", &errs)
	setIntFromEnv(&cfg.OTPLength, "OTP_LENGTH", &errs)
	setFloatFromEnv(&cfg.Commission, "PLATFORM_COMMISSION", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.BidWindow <= 0 {
		errs = append(errs, fmt.Errorf("BID_WINDOW must be > 0"))
	}
	if cfg.TickInterval <= 0 || cfg.ReconcileInterval <= 0 || cfg.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("timer and probe intervals must be > 0"))
	}
	if cfg.FeedPollInterval < time.Second || cfg.FeedPollInterval > 10*time.Second {
		errs = append(errs, fmt.Errorf("FEED_POLL_INTERVAL must be between 1s and 10s"))
	}
	if cfg.LedgerCapacity <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_CAPACITY must be > 0"))
	}
	if cfg.OTPLength < 4 || cfg.OTPLength > 9 {
		errs = append(errs, fmt.Errorf("OTP_LENGTH must be between 4 and 9"))
	}
	if cfg.Commission < 0 || cfg.Commission >= 1 {
		errs = append(errs, fmt.Errorf("PLATFORM_COMMISSION must be in [0, 1)"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	cfg := defaultConsumerConfig()
	var errs []error

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
