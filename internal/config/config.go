// Package config defines all configuration for the ingestion fleet.
//
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every field overridable via the environment variables named in the
// specification. Two processes share this package: the collector
// (cmd/collector) and the lifecycle manager (cmd/lifecycle); each reads
// only the sections it needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; every default named in the specification's environment-variable
// table is enumerated here, in one place.
type Config struct {
	Currency     string           `mapstructure:"currency"`
	ConnectionID int              `mapstructure:"connection_id"`
	Deribit      DeribitConfig    `mapstructure:"deribit"`
	Buffer       BufferConfig     `mapstructure:"buffer"`
	Collector    CollectorConfig  `mapstructure:"collector"`
	Lifecycle    LifecycleConfig  `mapstructure:"lifecycle"`
	Store        StoreConfig      `mapstructure:"store"`
	ControlAPI   ControlAPIConfig `mapstructure:"control_api"`
	Logging      LoggingConfig    `mapstructure:"logging"`
}

// DeribitConfig holds the upstream exchange endpoints.
type DeribitConfig struct {
	WSURL           string `mapstructure:"ws_url"`
	RESTBaseURL     string `mapstructure:"rest_base_url"`
	TopNInstruments int    `mapstructure:"top_n_instruments"`
}

// BufferConfig sizes the three Tick Buffer queues (C3).
type BufferConfig struct {
	Quotes int `mapstructure:"quotes"`
	Trades int `mapstructure:"trades"`
	Depth  int `mapstructure:"depth"`
}

// CollectorConfig tunes the WebSocket Collector's (C6) five concurrent
// activities.
type CollectorConfig struct {
	FlushIntervalSec             int `mapstructure:"flush_interval_sec"`
	SnapshotIntervalSec          int `mapstructure:"snapshot_interval_sec"`
	InstrumentRefreshIntervalSec int `mapstructure:"instrument_refresh_interval_sec"`
	HeartbeatWarnSec             int `mapstructure:"heartbeat_warn_sec"`
	HeartbeatStaleSec            int `mapstructure:"heartbeat_stale_sec"`
	MaxInstrumentsPerPartition   int `mapstructure:"max_instruments_per_partition"`
}

// LifecycleConfig tunes the Lifecycle Manager (C9).
type LifecycleConfig struct {
	RefreshIntervalSec  int      `mapstructure:"refresh_interval_sec"`
	ExpiryBufferMinutes int      `mapstructure:"expiry_buffer_minutes"`
	CollectorEndpoints  []string `mapstructure:"collector_endpoints"`
}

// StoreConfig configures the Batch Writer's (C4) connection pool.
type StoreConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	MinPoolSize int    `mapstructure:"min_pool_size"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
}

// ControlAPIConfig configures the per-collector HTTP control plane (C7).
type ControlAPIConfig struct {
	BasePort int `mapstructure:"base_port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// setDefaults mirrors spec §6's environment-variable table; every default
// lives here and nowhere else.
func setDefaults(v *viper.Viper) {
	v.SetDefault("deribit.ws_url", "wss://www.deribit.com/ws/api/v2")
	v.SetDefault("deribit.rest_base_url", "https://www.deribit.com/api/v2")
	v.SetDefault("deribit.top_n_instruments", 250)

	v.SetDefault("buffer.quotes", 200000)
	v.SetDefault("buffer.trades", 100000)
	v.SetDefault("buffer.depth", 50000)

	v.SetDefault("collector.flush_interval_sec", 3)
	v.SetDefault("collector.snapshot_interval_sec", 300)
	v.SetDefault("collector.instrument_refresh_interval_sec", 3600)
	v.SetDefault("collector.heartbeat_warn_sec", 10)
	v.SetDefault("collector.heartbeat_stale_sec", 300)
	v.SetDefault("collector.max_instruments_per_partition", 250)

	v.SetDefault("lifecycle.refresh_interval_sec", 300)
	v.SetDefault("lifecycle.expiry_buffer_minutes", 5)

	v.SetDefault("store.min_pool_size", 2)
	v.SetDefault("store.max_pool_size", 5)

	v.SetDefault("control_api.base_port", 8000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads config from a YAML file with env var overrides. A missing
// config file is not an error — a pure-environment deployment is valid.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DERIBIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides re-reads the explicit environment variables named in
// spec §6, so a bare env-var deployment (no YAML file at all) still works.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CURRENCY"); v != "" {
		cfg.Currency = v
	}
	if v := os.Getenv("CONNECTION_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConnectionID = n
		}
	}
	if v := os.Getenv("DERIBIT_WS_URL"); v != "" {
		cfg.Deribit.WSURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("TOP_N_INSTRUMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Deribit.TopNInstruments = n
		}
	}
	if v := os.Getenv("BUFFER_SIZE_QUOTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buffer.Quotes = n
		}
	}
	if v := os.Getenv("BUFFER_SIZE_TRADES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buffer.Trades = n
		}
	}
	if v := os.Getenv("FLUSH_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Collector.FlushIntervalSec = n
		}
	}
	if v := os.Getenv("SNAPSHOT_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Collector.SnapshotIntervalSec = n
		}
	}
	if v := os.Getenv("INSTRUMENT_REFRESH_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Collector.InstrumentRefreshIntervalSec = n
		}
	}
	if v := os.Getenv("LIFECYCLE_REFRESH_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.RefreshIntervalSec = n
		}
	}
	if v := os.Getenv("LIFECYCLE_EXPIRY_BUFFER_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.ExpiryBufferMinutes = n
		}
	}
	if v := os.Getenv("COLLECTOR_ENDPOINTS"); v != "" {
		cfg.Lifecycle.CollectorEndpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("CONTROL_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ControlAPI.BasePort = n
		}
	}
}

// Validate checks required fields for the collector process.
func (c *Config) Validate() error {
	if c.Currency == "" {
		return fmt.Errorf("currency is required (set CURRENCY)")
	}
	if c.Store.DatabaseURL == "" {
		return fmt.Errorf("store.database_url is required (set DATABASE_URL)")
	}
	if c.Deribit.WSURL == "" {
		return fmt.Errorf("deribit.ws_url is required")
	}
	if c.Deribit.RESTBaseURL == "" {
		return fmt.Errorf("deribit.rest_base_url is required")
	}
	if c.Collector.MaxInstrumentsPerPartition <= 0 {
		return fmt.Errorf("collector.max_instruments_per_partition must be > 0")
	}
	return nil
}

// ValidateLifecycle checks required fields for the lifecycle-manager process.
func (c *Config) ValidateLifecycle() error {
	if c.Currency == "" {
		return fmt.Errorf("currency is required (set CURRENCY)")
	}
	if c.Store.DatabaseURL == "" {
		return fmt.Errorf("store.database_url is required (set DATABASE_URL)")
	}
	if len(c.Lifecycle.CollectorEndpoints) == 0 {
		return fmt.Errorf("lifecycle.collector_endpoints is required (set COLLECTOR_ENDPOINTS)")
	}
	return nil
}

// FlushInterval is CollectorConfig.FlushIntervalSec as a time.Duration.
func (c CollectorConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSec) * time.Second
}

// SnapshotInterval is CollectorConfig.SnapshotIntervalSec as a time.Duration.
func (c CollectorConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSec) * time.Second
}

// InstrumentRefreshInterval is CollectorConfig.InstrumentRefreshIntervalSec
// as a time.Duration.
func (c CollectorConfig) InstrumentRefreshInterval() time.Duration {
	return time.Duration(c.InstrumentRefreshIntervalSec) * time.Second
}

// RefreshInterval is LifecycleConfig.RefreshIntervalSec as a time.Duration.
func (c LifecycleConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSec) * time.Second
}

// ExpiryBuffer is LifecycleConfig.ExpiryBufferMinutes as a time.Duration.
func (c LifecycleConfig) ExpiryBuffer() time.Duration {
	return time.Duration(c.ExpiryBufferMinutes) * time.Minute
}
