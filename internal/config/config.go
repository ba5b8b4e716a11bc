// Package config assembles the dispatcher configuration: defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// Load returns the validated configuration. An empty path skips the file.
func Load(path string) (*domain.AppConfig, error) {
	cfg := domain.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *domain.AppConfig) error {
	var errs []error

	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTPAddr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := os.Getenv("AULE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DESKTOP_AIOS_CELL_URL"); v != "" {
		cfg.DesktopCellURL = v
	}
	if v := os.Getenv("AULE_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	// REDIS_URL alone selects the redis driver unless one is named explicitly.
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
		cfg.Store.Driver = "redis"
	}
	if v := os.Getenv("AULE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("AULE_DB_PATH"); v != "" {
		cfg.Store.DuckDBPath = v
	}

	seconds := []struct {
		key string
		dst *time.Duration
	}{
		{"DISPATCH_INTERVAL_SECONDS", &cfg.Dispatch.Interval},
		{"HEARTBEAT_TIMEOUT_SECONDS", &cfg.Dispatch.HeartbeatTimeout},
		{"HEARTBEAT_CHECK_SECONDS", &cfg.Dispatch.HeartbeatCheckInterval},
		{"DELIVERY_TIMEOUT_SECONDS", &cfg.Dispatch.DeliveryTimeout},
		{"DEFAULT_TASK_TIMEOUT_SECONDS", &cfg.Dispatch.DefaultTaskTimeout},
	}
	for _, s := range seconds {
		v := os.Getenv(s.key)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive number of seconds, got %q", s.key, v))
			continue
		}
		*s.dst = time.Duration(n * float64(time.Second))
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DISPATCH_BATCH", &cfg.Dispatch.Batch},
		{"MAX_DELIVERY_ATTEMPTS", &cfg.Dispatch.Retry.MaxDeliveryAttempts},
		{"MAX_UNROUTABLE_CYCLES", &cfg.Dispatch.Retry.MaxUnroutableCycles},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be an integer, got %q", i.key, v))
			continue
		}
		*i.dst = n
	}

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
