package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"transit-tracker/internal/geo"
	"transit-tracker/internal/scheduler"
)

type Config struct {
	APIBaseURL string
	NATSURL    string

	PollInterval    time.Duration
	BurstInterval   time.Duration
	BurstDuration   time.Duration
	BackoffDuration time.Duration
	RefreshInterval time.Duration
	PublishInterval time.Duration
	Grace           time.Duration

	Origin    geo.Origin
	PatchFile string

	LogNATSSubjects bool
	MetricsAddr     string
	LogLevel        string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.APIBaseURL = strings.TrimSuffix(os.Getenv("TRIP_API_URL"), "/")
	if cfg.APIBaseURL == "" {
		return nil, errors.New("TRIP_API_URL must be set")
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")

	var err error
	if cfg.PollInterval, err = millis("POLL_INTERVAL_MS", scheduler.DefaultBaseInterval); err != nil {
		return nil, err
	}
	if cfg.BurstInterval, err = millis("BURST_INTERVAL_MS", scheduler.DefaultBurstInterval); err != nil {
		return nil, err
	}
	if cfg.BurstDuration, err = seconds("BURST_DURATION_SEC", scheduler.DefaultBurstDuration); err != nil {
		return nil, err
	}
	if cfg.BackoffDuration, err = seconds("BACKOFF_SEC", scheduler.DefaultBackoff); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = seconds("REFRESH_INTERVAL_SEC", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.PublishInterval, err = millis("PUBLISH_INTERVAL_MS", time.Second); err != nil {
		return nil, err
	}
	if cfg.Grace, err = seconds("GRACE_SEC", 15*time.Second); err != nil {
		return nil, err
	}

	cfg.Origin = geo.DefaultOrigin
	if v := os.Getenv("ORIGIN_LAT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ORIGIN_LAT: %q", v)
		}
		cfg.Origin.Lat = f
	}
	if v := os.Getenv("ORIGIN_LON"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ORIGIN_LON: %q", v)
		}
		cfg.Origin.Lon = f
	}

	cfg.PatchFile = getenvDefault("PATCH_FILE", "data/patches.yml")

	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	return cfg, nil
}

func millis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func seconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
