package domain

import (
	"errors"
	"fmt"
	"time"
)

// StoreConfig selects and configures the durable store adapter.
type StoreConfig struct {
	Driver       string        `yaml:"driver" json:"driver"`           // "memory", "duckdb" or "redis"
	DuckDBPath   string        `yaml:"duckdb_path" json:"duckdb_path"` // "aule-dispatch.db"
	RedisURL     string        `yaml:"redis_url" json:"redis_url"`     // "redis://localhost:6379/0"
	TaskTTL      time.Duration `yaml:"task_ttl" json:"task_ttl"`
	WorkerTTL    time.Duration `yaml:"worker_ttl" json:"worker_ttl"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	WriteBacklog int           `yaml:"write_backlog" json:"write_backlog"`
}

// RetryPolicy bounds the requeue loop. Zero MaxUnroutableCycles means a task
// nobody can serve keeps waiting for a suitable worker.
type RetryPolicy struct {
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts" json:"max_delivery_attempts"`
	MaxUnroutableCycles int           `yaml:"max_unroutable_cycles" json:"max_unroutable_cycles"`
	BaseBackoff         time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// Backoff returns the delay before the n-th retry (n starts at 1).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.BaseBackoff <= 0 || n <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// DeliveriesExhausted reports whether attempts has reached the bound.
func (p RetryPolicy) DeliveriesExhausted(attempts int) bool {
	return p.MaxDeliveryAttempts > 0 && attempts >= p.MaxDeliveryAttempts
}

// UnroutableExhausted reports whether a task waited too many cycles.
func (p RetryPolicy) UnroutableExhausted(cycles int) bool {
	return p.MaxUnroutableCycles > 0 && cycles >= p.MaxUnroutableCycles
}

// DispatchConfig tunes the scheduling loops.
type DispatchConfig struct {
	Interval               time.Duration `yaml:"interval" json:"interval"`
	Batch                  int           `yaml:"batch" json:"batch"`
	MaxInflightDeliveries  int64         `yaml:"max_inflight_deliveries" json:"max_inflight_deliveries"`
	DeliveryTimeout        time.Duration `yaml:"delivery_timeout" json:"delivery_timeout"`
	DefaultTaskTimeout     time.Duration `yaml:"default_task_timeout" json:"default_task_timeout"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	HeartbeatCheckInterval time.Duration `yaml:"heartbeat_check_interval" json:"heartbeat_check_interval"`
	ReapInterval           time.Duration `yaml:"reap_interval" json:"reap_interval"`
	RetentionWindow        time.Duration `yaml:"retention_window" json:"retention_window"`
	QueueUnitCost          time.Duration `yaml:"queue_unit_cost" json:"queue_unit_cost"`
	Retry                  RetryPolicy   `yaml:"retry" json:"retry"`
}

// AppConfig is the main application configuration
type AppConfig struct {
	HTTPAddr       string         `yaml:"http_addr" json:"http_addr"`
	LogLevel       string         `yaml:"log_level" json:"log_level"`
	DesktopCellURL string         `yaml:"desktop_cell_url" json:"desktop_cell_url"`
	AllowedOrigins []string       `yaml:"allowed_origins" json:"allowed_origins"`
	Store          StoreConfig    `yaml:"store" json:"store"`
	Dispatch       DispatchConfig `yaml:"dispatch" json:"dispatch"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		HTTPAddr:       ":3003",
		LogLevel:       "info",
		DesktopCellURL: "http://desktop-aios-cell:8000",
		AllowedOrigins: []string{"http://localhost:5173"},
		Store: StoreConfig{
			Driver:       "memory",
			DuckDBPath:   "aule-dispatch.db",
			RedisURL:     "redis://localhost:6379/0",
			TaskTTL:      24 * time.Hour,
			WorkerTTL:    5 * time.Minute,
			WriteTimeout: 2 * time.Second,
			WriteBacklog: 256,
		},
		Dispatch: DispatchConfig{
			Interval:               5 * time.Second,
			Batch:                  8,
			MaxInflightDeliveries:  4,
			DeliveryTimeout:        30 * time.Second,
			DefaultTaskTimeout:     300 * time.Second,
			HeartbeatTimeout:       60 * time.Second,
			HeartbeatCheckInterval: 60 * time.Second,
			ReapInterval:           10 * time.Second,
			RetentionWindow:        10 * time.Minute,
			QueueUnitCost:          2 * time.Second,
			Retry: RetryPolicy{
				MaxDeliveryAttempts: 5,
				MaxUnroutableCycles: 0,
				BaseBackoff:         time.Second,
				MaxBackoff:          30 * time.Second,
			},
		},
	}
}

// Validate rejects configurations the loops cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory", "duckdb", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory, duckdb or redis, got %q", c.Store.Driver))
	}
	d := c.Dispatch
	if d.Interval <= 0 {
		errs = append(errs, errors.New("dispatch.interval must be positive"))
	}
	if d.Batch <= 0 {
		errs = append(errs, errors.New("dispatch.batch must be positive"))
	}
	if d.MaxInflightDeliveries <= 0 {
		errs = append(errs, errors.New("dispatch.max_inflight_deliveries must be positive"))
	}
	if d.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.heartbeat_timeout must be positive"))
	}
	if d.HeartbeatCheckInterval <= 0 {
		errs = append(errs, errors.New("dispatch.heartbeat_check_interval must be positive"))
	}
	if d.ReapInterval <= 0 {
		errs = append(errs, errors.New("dispatch.reap_interval must be positive"))
	}
	if d.Retry.MaxDeliveryAttempts < 0 || d.Retry.MaxUnroutableCycles < 0 {
		errs = append(errs, errors.New("dispatch.retry limits must not be negative"))
	}
	return errors.Join(errs...)
}
