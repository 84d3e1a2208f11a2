package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the triggerd engine.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL     string `json:"database_url"`
	NATSURL         string `json:"nats_url"`
	RedisAddr       string `json:"redis_addr"`
	HTTPAddr        string `json:"http_addr"`
	CallbackBaseURL string `json:"callback_base_url,omitempty"`
	LogLevel        string `json:"log_level"`

	// SubscriptionsFile and SchedulesFile point at JSON definition files for
	// the static registry and the scheduler. Optional.
	SubscriptionsFile string `json:"subscriptions_file,omitempty"`
	SchedulesFile     string `json:"schedules_file,omitempty"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	// InvocationDeadline is the uniform open-invocation deadline the reaper
	// enforces.
	InvocationDeadline    time.Duration `json:"-"`
	InvocationDeadlineStr string        `json:"invocation_deadline"`

	// InvocationTTL is how long completed records are retained.
	InvocationTTL    time.Duration `json:"-"`
	InvocationTTLStr string        `json:"invocation_ttl"`

	ReaperInterval    time.Duration `json:"-"`
	ReaperIntervalStr string        `json:"reaper_interval"`
	ReaperBatchSize   int           `json:"reaper_batch_size"`

	// LockKey: all replicas of one stack must share the same key.
	LockKey      string        `json:"lock_key"`
	LockLease    time.Duration `json:"-"`
	LockLeaseStr string        `json:"lock_lease"`

	BreakerFailureRate    int           `json:"breaker_failure_rate"`
	BreakerWindowSize     int           `json:"breaker_window_size"`
	BreakerMinCalls       int           `json:"breaker_min_calls"`
	BreakerWait           time.Duration `json:"-"`
	BreakerWaitStr        string        `json:"breaker_wait"`
	BreakerHalfOpenProbes int           `json:"breaker_half_open_probes"`
	BreakerAutoHalfOpen   bool          `json:"breaker_auto_half_open"`

	DispatchTimeout    time.Duration `json:"-"`
	DispatchTimeoutStr string        `json:"dispatch_timeout"`

	UsageInterval     time.Duration `json:"-"`
	UsageIntervalStr  string        `json:"usage_interval"`
	UsageRetention    time.Duration `json:"-"`
	UsageRetentionStr string        `json:"usage_retention"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		NATSURL:                os.Getenv("NATS_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		HTTPAddr:               os.Getenv("HTTP_ADDR"),
		CallbackBaseURL:        os.Getenv("CALLBACK_BASE_URL"),
		LogLevel:               os.Getenv("LOG_LEVEL"),
		SubscriptionsFile:      os.Getenv("SUBSCRIPTIONS_FILE"),
		SchedulesFile:          os.Getenv("SCHEDULES_FILE"),
		DBOpTimeoutStr:         os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:   os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:   os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr: os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:         os.Getenv("METRICS_ENABLED") != "false",
		MetricsPath:            os.Getenv("METRICS_PATH"),
		InvocationDeadlineStr:  os.Getenv("INVOCATION_DEADLINE"),
		InvocationTTLStr:       os.Getenv("INVOCATION_TTL"),
		ReaperIntervalStr:      os.Getenv("REAPER_INTERVAL"),
		LockKey:                os.Getenv("LOCK_KEY"),
		LockLeaseStr:           os.Getenv("LOCK_LEASE"),
		BreakerWaitStr:         os.Getenv("BREAKER_WAIT"),
		BreakerAutoHalfOpen:    os.Getenv("BREAKER_AUTO_HALF_OPEN") != "false",
		DispatchTimeoutStr:     os.Getenv("DISPATCH_TIMEOUT"),
		UsageIntervalStr:       os.Getenv("USAGE_INTERVAL"),
		UsageRetentionStr:      os.Getenv("USAGE_RETENTION"),
	}

	if batchStr := os.Getenv("REAPER_BATCH_SIZE"); batchStr != "" {
		if batch, err := parseInt(batchStr); err == nil && batch > 0 {
			cfg.ReaperBatchSize = batch
		} else {
			log.Printf("config: invalid REAPER_BATCH_SIZE %q (must be a positive integer), using default 100", batchStr)
		}
	}
	if cfg.ReaperBatchSize == 0 {
		cfg.ReaperBatchSize = 100
	}

	if rateStr := os.Getenv("BREAKER_FAILURE_RATE"); rateStr != "" {
		if n, err := parseInt(rateStr); err == nil && n > 0 && n <= 100 {
			cfg.BreakerFailureRate = n
		} else {
			log.Printf("config: invalid BREAKER_FAILURE_RATE %q (must be 1-100), using default 50", rateStr)
		}
	}
	if cfg.BreakerFailureRate == 0 {
		cfg.BreakerFailureRate = 50
	}

	if windowStr := os.Getenv("BREAKER_WINDOW_SIZE"); windowStr != "" {
		if n, err := parseInt(windowStr); err == nil && n > 0 {
			cfg.BreakerWindowSize = n
		}
	}
	if cfg.BreakerWindowSize == 0 {
		cfg.BreakerWindowSize = 20
	}

	if minStr := os.Getenv("BREAKER_MIN_CALLS"); minStr != "" {
		if n, err := parseInt(minStr); err == nil && n > 0 {
			cfg.BreakerMinCalls = n
		}
	}
	if cfg.BreakerMinCalls == 0 {
		cfg.BreakerMinCalls = 10
	}

	if probesStr := os.Getenv("BREAKER_HALF_OPEN_PROBES"); probesStr != "" {
		if n, err := parseInt(probesStr); err == nil && n > 0 {
			cfg.BreakerHalfOpenProbes = n
		}
	}
	if cfg.BreakerHalfOpenProbes == 0 {
		cfg.BreakerHalfOpenProbes = 2
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	// Support platform PORT variables as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://127.0.0.1:4222"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "triggerd:reaper"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.InvocationDeadlineStr == "" {
		cfg.InvocationDeadlineStr = "60m"
	}
	if cfg.InvocationTTLStr == "" {
		cfg.InvocationTTLStr = "72h"
	}
	if cfg.ReaperIntervalStr == "" {
		cfg.ReaperIntervalStr = "1m"
	}
	if cfg.LockLeaseStr == "" {
		cfg.LockLeaseStr = "2m"
	}
	if cfg.BreakerWaitStr == "" {
		cfg.BreakerWaitStr = "2m"
	}
	if cfg.DispatchTimeoutStr == "" {
		cfg.DispatchTimeoutStr = "30s"
	}
	if cfg.UsageIntervalStr == "" {
		cfg.UsageIntervalStr = "1m"
	}
	if cfg.UsageRetentionStr == "" {
		cfg.UsageRetentionStr = "24h"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.InvocationDeadlineStr); err == nil {
		cfg.InvocationDeadline = d
	}
	if d, err := time.ParseDuration(cfg.InvocationTTLStr); err == nil {
		cfg.InvocationTTL = d
	}
	if d, err := time.ParseDuration(cfg.ReaperIntervalStr); err == nil {
		cfg.ReaperInterval = d
	}
	if d, err := time.ParseDuration(cfg.LockLeaseStr); err == nil {
		cfg.LockLease = d
	}
	if d, err := time.ParseDuration(cfg.BreakerWaitStr); err == nil {
		cfg.BreakerWait = d
	}
	if d, err := time.ParseDuration(cfg.DispatchTimeoutStr); err == nil {
		cfg.DispatchTimeout = d
	}
	if d, err := time.ParseDuration(cfg.UsageIntervalStr); err == nil {
		cfg.UsageInterval = d
	}
	if d, err := time.ParseDuration(cfg.UsageRetentionStr); err == nil {
		cfg.UsageRetention = d
	}

	return cfg
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL           string `json:"database_url"`
		NATSURL               string `json:"nats_url"`
		RedisAddr             string `json:"redis_addr"`
		HTTPAddr              string `json:"http_addr"`
		CallbackBaseURL       string `json:"callback_base_url,omitempty"`
		LogLevel              string `json:"log_level"`
		SubscriptionsFile     string `json:"subscriptions_file,omitempty"`
		SchedulesFile         string `json:"schedules_file,omitempty"`
		DBOpTimeout           string `json:"db_op_timeout"`
		DBMaxOpenConns        int    `json:"db_max_open_conns"`
		DBMaxIdleConns        int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime     string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime     string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout   string `json:"http_shutdown_timeout"`
		MetricsEnabled        bool   `json:"metrics_enabled"`
		MetricsPath           string `json:"metrics_path"`
		InvocationDeadline    string `json:"invocation_deadline"`
		InvocationTTL         string `json:"invocation_ttl"`
		ReaperInterval        string `json:"reaper_interval"`
		ReaperBatchSize       int    `json:"reaper_batch_size"`
		LockKey               string `json:"lock_key"`
		LockLease             string `json:"lock_lease"`
		BreakerFailureRate    int    `json:"breaker_failure_rate"`
		BreakerWindowSize     int    `json:"breaker_window_size"`
		BreakerMinCalls       int    `json:"breaker_min_calls"`
		BreakerWait           string `json:"breaker_wait"`
		BreakerHalfOpenProbes int    `json:"breaker_half_open_probes"`
		BreakerAutoHalfOpen   bool   `json:"breaker_auto_half_open"`
		DispatchTimeout       string `json:"dispatch_timeout"`
		UsageInterval         string `json:"usage_interval"`
		UsageRetention        string `json:"usage_retention"`
	}{
		DatabaseURL:           maskSecret(c.DatabaseURL),
		NATSURL:               maskSecret(c.NATSURL),
		RedisAddr:             c.RedisAddr,
		HTTPAddr:              c.HTTPAddr,
		CallbackBaseURL:       c.CallbackBaseURL,
		LogLevel:              c.LogLevel,
		SubscriptionsFile:     c.SubscriptionsFile,
		SchedulesFile:         c.SchedulesFile,
		DBOpTimeout:           c.DBOpTimeoutStr,
		DBMaxOpenConns:        c.DBMaxOpenConns,
		DBMaxIdleConns:        c.DBMaxIdleConns,
		DBConnMaxLifetime:     c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:     c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:   c.HTTPShutdownTimeoutStr,
		MetricsEnabled:        c.MetricsEnabled,
		MetricsPath:           c.MetricsPath,
		InvocationDeadline:    c.InvocationDeadlineStr,
		InvocationTTL:         c.InvocationTTLStr,
		ReaperInterval:        c.ReaperIntervalStr,
		ReaperBatchSize:       c.ReaperBatchSize,
		LockKey:               c.LockKey,
		LockLease:             c.LockLeaseStr,
		BreakerFailureRate:    c.BreakerFailureRate,
		BreakerWindowSize:     c.BreakerWindowSize,
		BreakerMinCalls:       c.BreakerMinCalls,
		BreakerWait:           c.BreakerWaitStr,
		BreakerHalfOpenProbes: c.BreakerHalfOpenProbes,
		BreakerAutoHalfOpen:   c.BreakerAutoHalfOpen,
		DispatchTimeout:       c.DispatchTimeoutStr,
		UsageInterval:         c.UsageIntervalStr,
		UsageRetention:        c.UsageRetentionStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "nats://", "tls://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
