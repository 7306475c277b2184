package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("BID_WINDOW", "")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.BidWindow != 5*time.Minute || cfg.OTPLength != 4 || cfg.LedgerCapacity != 500 || cfg.Commission != 0.15 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("BID_WINDOW", "90s")
	t.Setenv("OTP_LENGTH", "6")
	t.Setenv("PLATFORM_COMMISSION", "0.2")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.BidWindow != 90*time.Second || cfg.OTPLength != 6 || cfg.Commission != 0.2 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("OTP_LENGTH", "2")
	t.Setenv("FEED_POLL_INTERVAL", "30s")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "OTP_LENGTH", "FEED_POLL_INTERVAL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_BROKER", "legacy:9092")
	t.Setenv("KAFKA_GROUP", "pruner-2")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "legacy:9092" || cfg.KafkaGroup != "pruner-2" {
		t.Fatalf("unexpected consumer config: %+v", cfg)
	}
}
