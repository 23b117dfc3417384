package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full tradeguard configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Guard      GuardConfig      `yaml:"guard"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Protection ProtectionConfig `yaml:"protection"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Signals    SignalsConfig    `yaml:"signals"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

// EngineConfig drives the auction worker loop.
type EngineConfig struct {
	IntervalSeconds    int `yaml:"interval_seconds"`
	MaxParallelSymbols int `yaml:"max_parallel_symbols"`
	TripAfterFailures  int `yaml:"trip_after_failures"` // 0 disables the policy trip
	HealthCheckSeconds int `yaml:"health_check_seconds"`
	MaintenanceMinutes int `yaml:"maintenance_minutes"`
}

// GuardConfig controls the duplicate guard.
type GuardConfig struct {
	AllowPyramiding   bool `yaml:"allow_pyramiding"`
	LockWaitMs        int  `yaml:"lock_wait_ms"`
	LockHoldSeconds   int  `yaml:"lock_hold_seconds"`
	PendingTTLSeconds int  `yaml:"pending_ttl_seconds"`
}

// LedgerConfig controls fingerprinting and retention of intents.
type LedgerConfig struct {
	BucketMinutes        int `yaml:"bucket_minutes"` // 0 = one auction cycle
	PendingExpiryMinutes int `yaml:"pending_expiry_minutes"`
	RetentionHours       int `yaml:"retention_hours"`
}

// GatewayConfig bounds retries and the order rate.
type GatewayConfig struct {
	MaxRetries         int     `yaml:"max_retries"`
	BaseBackoffMs      int     `yaml:"base_backoff_ms"`
	MaxBackoffMs       int     `yaml:"max_backoff_ms"`
	CallTimeoutSeconds int     `yaml:"call_timeout_seconds"`
	RatePerSecond      float64 `yaml:"rate_per_second"`
	Burst              int     `yaml:"burst"`
}

// ProtectionConfig sets stop distances.
type ProtectionConfig struct {
	DefaultStopPct  float64 `yaml:"default_stop_pct"`  // 0.02 = 2% from entry
	TakeProfitPct   float64 `yaml:"take_profit_pct"`   // 0 disables take-profit
	MaxNakedMinutes int     `yaml:"max_naked_minutes"` // 0 = reconcile interval
}

// ReconcileConfig schedules reconciliation.
type ReconcileConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	LockWaitSeconds int `yaml:"lock_wait_seconds"`
}

// SupervisorConfig is the liveness contract.
type SupervisorConfig struct {
	StaleAfterSeconds int    `yaml:"stale_after_seconds"`
	HeartbeatFile     string `yaml:"heartbeat_file"` // empty disables the file
}

// ExchangeConfig selects the venue adapter. Secrets come from the environment.
type ExchangeConfig struct {
	Mode       string             `yaml:"mode"` // paper | live
	BaseURL    string             `yaml:"base_url"`
	APIKey     string             `yaml:"-"`
	APISecret  string             `yaml:"-"`
	PaperMarks map[string]float64 `yaml:"paper_marks"` // mark prices for paper fills
}

// SignalsConfig locates the upstream batch file.
type SignalsConfig struct {
	Path          string `yaml:"path"`
	WindowMinutes int    `yaml:"window_minutes"`
	MaxBatch      int    `yaml:"max_batch"`
}

// StorageConfig controls where state is persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// CacheConfig selects the pending-order cache backend.
type CacheConfig struct {
	RedisURL string `yaml:"redis_url"` // empty = in-process cache
}

// HTTPConfig is the operational surface listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// LogConfig controls logging format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and the .env file if present. Environment
// variables override the file for the keys that have one.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Exchange.Mode {
	case "paper":
	case "live":
		if c.Exchange.BaseURL == "" || c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("live mode needs EXCHANGE_BASE_URL, EXCHANGE_API_KEY and EXCHANGE_API_SECRET")
		}
	default:
		return fmt.Errorf("exchange.mode must be paper or live, got %q", c.Exchange.Mode)
	}
	if c.Bucket() < c.SignalInterval() {
		return fmt.Errorf("ledger.bucket_minutes (%s) must not be shorter than engine.interval_seconds (%s)",
			c.Bucket(), c.SignalInterval())
	}
	if c.HealthInterval() >= c.StaleAfter() {
		return fmt.Errorf("engine.health_check_seconds (%s) must be below supervisor.stale_after_seconds (%s)",
			c.HealthInterval(), c.StaleAfter())
	}
	if c.Protection.DefaultStopPct >= 1 {
		return fmt.Errorf("protection.default_stop_pct must be below 1, got %v", c.Protection.DefaultStopPct)
	}
	return nil
}

// SignalInterval is the auction cycle period.
func (c *Config) SignalInterval() time.Duration {
	return time.Duration(c.Engine.IntervalSeconds) * time.Second
}

// HealthInterval is the stop-health check period.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Engine.HealthCheckSeconds) * time.Second
}

// MaintenanceInterval is the ledger expiry and purge period.
func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.Engine.MaintenanceMinutes) * time.Minute
}

func (c *Config) LockWait() time.Duration {
	return time.Duration(c.Guard.LockWaitMs) * time.Millisecond
}

func (c *Config) LockHold() time.Duration {
	return time.Duration(c.Guard.LockHoldSeconds) * time.Second
}

func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.Guard.PendingTTLSeconds) * time.Second
}

// Bucket is the fingerprint time bucket. Unset, it is one auction cycle.
func (c *Config) Bucket() time.Duration {
	if c.Ledger.BucketMinutes <= 0 {
		return c.SignalInterval()
	}
	return time.Duration(c.Ledger.BucketMinutes) * time.Minute
}

func (c *Config) PendingExpiry() time.Duration {
	return time.Duration(c.Ledger.PendingExpiryMinutes) * time.Minute
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Ledger.RetentionHours) * time.Hour
}

func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Gateway.BaseBackoffMs) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Gateway.MaxBackoffMs) * time.Millisecond
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Gateway.CallTimeoutSeconds) * time.Second
}

// StopPct is the default stop distance as a decimal fraction.
func (c *Config) StopPct() decimal.Decimal {
	return decimal.NewFromFloat(c.Protection.DefaultStopPct)
}

func (c *Config) TakeProfitPct() decimal.Decimal {
	return decimal.NewFromFloat(c.Protection.TakeProfitPct)
}

// MaxNaked defaults to the reconciliation interval.
func (c *Config) MaxNaked() time.Duration {
	if c.Protection.MaxNakedMinutes <= 0 {
		return c.ReconcileInterval()
	}
	return time.Duration(c.Protection.MaxNakedMinutes) * time.Minute
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalMinutes) * time.Minute
}

func (c *Config) ReconcileLockWait() time.Duration {
	return time.Duration(c.Reconcile.LockWaitSeconds) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Supervisor.StaleAfterSeconds) * time.Second
}

func (c *Config) SignalWindow() time.Duration {
	return time.Duration(c.Signals.WindowMinutes) * time.Minute
}

// applyEnvOverrides lets the environment override the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := os.Getenv("EXCHANGE_BASE_URL"); v != "" {
		cfg.Exchange.BaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("TRADEGUARD_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults fills anything left unset.
func setDefaults(cfg *Config) {
	if cfg.Engine.IntervalSeconds <= 0 {
		cfg.Engine.IntervalSeconds = 30
	}
	if cfg.Engine.MaxParallelSymbols <= 0 {
		cfg.Engine.MaxParallelSymbols = 4
	}
	if cfg.Engine.TripAfterFailures < 0 {
		cfg.Engine.TripAfterFailures = 0
	}
	if cfg.Engine.HealthCheckSeconds <= 0 {
		cfg.Engine.HealthCheckSeconds = 60
	}
	if cfg.Engine.MaintenanceMinutes <= 0 {
		cfg.Engine.MaintenanceMinutes = 10
	}
	if cfg.Guard.LockWaitMs <= 0 {
		cfg.Guard.LockWaitMs = 2000
	}
	if cfg.Guard.LockHoldSeconds <= 0 {
		cfg.Guard.LockHoldSeconds = 30
	}
	if cfg.Guard.PendingTTLSeconds <= 0 {
		cfg.Guard.PendingTTLSeconds = 60
	}
	if cfg.Ledger.PendingExpiryMinutes <= 0 {
		cfg.Ledger.PendingExpiryMinutes = 10
	}
	if cfg.Ledger.RetentionHours <= 0 {
		cfg.Ledger.RetentionHours = 24
	}
	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = 3
	}
	if cfg.Gateway.BaseBackoffMs <= 0 {
		cfg.Gateway.BaseBackoffMs = 500
	}
	if cfg.Gateway.MaxBackoffMs <= 0 {
		cfg.Gateway.MaxBackoffMs = 8000
	}
	if cfg.Gateway.CallTimeoutSeconds <= 0 {
		cfg.Gateway.CallTimeoutSeconds = 10
	}
	if cfg.Gateway.RatePerSecond <= 0 {
		cfg.Gateway.RatePerSecond = 5
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 2
	}
	if cfg.Protection.DefaultStopPct <= 0 {
		cfg.Protection.DefaultStopPct = 0.02
	}
	if cfg.Reconcile.IntervalMinutes <= 0 {
		cfg.Reconcile.IntervalMinutes = 60
	}
	if cfg.Reconcile.LockWaitSeconds <= 0 {
		cfg.Reconcile.LockWaitSeconds = 5
	}
	if cfg.Supervisor.StaleAfterSeconds <= 0 {
		cfg.Supervisor.StaleAfterSeconds = 10 * cfg.Engine.IntervalSeconds
	}
	if cfg.Exchange.Mode == "" {
		cfg.Exchange.Mode = "paper"
	}
	if cfg.Signals.Path == "" {
		cfg.Signals.Path = "signals.yaml"
	}
	if cfg.Signals.WindowMinutes <= 0 {
		cfg.Signals.WindowMinutes = 5
	}
	if cfg.Signals.MaxBatch <= 0 {
		cfg.Signals.MaxBatch = 20
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "tradeguard.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
