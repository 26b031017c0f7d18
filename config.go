package querygate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultCost            int64 = 90
	DefaultLimit           int64 = 1000
	DefaultEstimateTimeout       = 200 * time.Millisecond
	DefaultReservationTTL        = 2 * time.Minute
	DefaultLedgerTTL             = 48 * time.Hour
	DefaultDispatchTimeout       = 5 * time.Second
	DefaultJobWaitWindow         = 10 * time.Minute
	DefaultCacheMaxAge           = time.Hour
	DefaultCommitRetries         = 2
)

// Config is the top-level admission configuration.
type Config struct {
	Timezone        string             `yaml:"timezone"`
	DefaultLimit    int64              `yaml:"default_limit"`
	Limits          map[Identity]int64 `yaml:"limits"`
	// DefaultCost is charged when the estimator fails. Nil means the
	// package default; an explicit 0 makes degraded estimates free.
	DefaultCost     *int64        `yaml:"default_cost"`
	EstimateTimeout time.Duration `yaml:"estimate_timeout"`
	ReservationTTL  time.Duration `yaml:"reservation_ttl"`
	LedgerTTL       time.Duration `yaml:"ledger_ttl"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	JobWaitWindow   time.Duration `yaml:"job_wait_window"`
	CacheMaxAge     time.Duration `yaml:"cache_max_age"`
	// CommitRetries is how many extra commit attempts follow a failed one.
	// Nil means the package default; an explicit 0 disables retries.
	CommitRetries *int `yaml:"commit_retries"`
	// AnnotateSQL prefixes dispatched SQL with the caller identity.
	AnnotateSQL *bool `yaml:"annotate_sql"`

	Ledger   LedgerConfig   `yaml:"ledger"`
	Cache    CacheConfig    `yaml:"cache"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// LedgerConfig selects the counting store.
type LedgerConfig struct {
	Backend  string      `yaml:"backend"` // memory, redis, postgres
	Redis    RedisConfig `yaml:"redis"`
	Postgres struct {
		DSN         string `yaml:"dsn"`
		TablePrefix string `yaml:"table_prefix"`
	} `yaml:"postgres"`
}

// CacheConfig selects the result cache store.
type CacheConfig struct {
	Backend string      `yaml:"backend"` // none, memory, redis
	Redis   RedisConfig `yaml:"redis"`
}

// DispatchConfig selects the execution backend.
type DispatchConfig struct {
	Backend    string `yaml:"backend"` // memory, redis, kafka
	MaxBacklog int    `yaml:"max_backlog"`
	Workers    int    `yaml:"workers"`
	// ExecutorDSN is the database the in-process pool runs queries against.
	ExecutorDSN string      `yaml:"executor_dsn"`
	Redis       RedisConfig `yaml:"redis"`
	Kafka       struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

// RedisConfig addresses one Redis logical database.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// HTTPConfig configures the admission endpoint.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	IdentityHeader string   `yaml:"identity_header"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Environment string `yaml:"environment"` // production, development
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json, console
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("querygate: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies defaults and validates.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("querygate: parse config: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.DefaultLimit == 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.DefaultCost == nil {
		v := DefaultCost
		c.DefaultCost = &v
	}
	if c.EstimateTimeout == 0 {
		c.EstimateTimeout = DefaultEstimateTimeout
	}
	if c.ReservationTTL == 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.LedgerTTL == 0 {
		c.LedgerTTL = DefaultLedgerTTL
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.JobWaitWindow == 0 {
		c.JobWaitWindow = DefaultJobWaitWindow
	}
	if c.CacheMaxAge == 0 {
		c.CacheMaxAge = DefaultCacheMaxAge
	}
	if c.CommitRetries == nil {
		v := DefaultCommitRetries
		c.CommitRetries = &v
	}
	if c.AnnotateSQL == nil {
		on := true
		c.AnnotateSQL = &on
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "memory"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "none"
	}
	if c.Dispatch.Backend == "" {
		c.Dispatch.Backend = "memory"
	}
	if c.Dispatch.MaxBacklog == 0 {
		c.Dispatch.MaxBacklog = 100
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8088"
	}
	if c.HTTP.IdentityHeader == "" {
		c.HTTP.IdentityHeader = "X-User-Email"
	}
	if c.Log.Environment == "" {
		c.Log.Environment = "production"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	return c
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("querygate: config: timezone %q: %w", c.Timezone, err)
	}
	if c.DefaultLimit < 0 {
		return fmt.Errorf("querygate: config: default_limit must not be negative")
	}
	for id, v := range c.Limits {
		if id == "" {
			return fmt.Errorf("querygate: config: limits: empty identity")
		}
		if v < 0 {
			return fmt.Errorf("querygate: config: limits[%s]: must not be negative", id)
		}
	}
	if c.DefaultCost != nil && *c.DefaultCost < 0 {
		return fmt.Errorf("querygate: config: default_cost must not be negative")
	}
	if c.LedgerTTL < 24*time.Hour {
		return fmt.Errorf("querygate: config: ledger_ttl must cover at least one period (24h)")
	}

	switch c.Ledger.Backend {
	case "memory":
	case "redis":
		if c.Ledger.Redis.URL == "" {
			return fmt.Errorf("querygate: config: ledger.redis.url is required")
		}
	case "postgres":
		if c.Ledger.Postgres.DSN == "" {
			return fmt.Errorf("querygate: config: ledger.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("querygate: config: invalid ledger backend %q", c.Ledger.Backend)
	}

	switch c.Cache.Backend {
	case "none", "memory":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("querygate: config: cache.redis.url is required")
		}
	default:
		return fmt.Errorf("querygate: config: invalid cache backend %q", c.Cache.Backend)
	}

	switch c.Dispatch.Backend {
	case "memory":
	case "redis":
		if c.Dispatch.Redis.URL == "" {
			return fmt.Errorf("querygate: config: dispatch.redis.url is required")
		}
	case "kafka":
		if len(c.Dispatch.Kafka.Brokers) == 0 || c.Dispatch.Kafka.Topic == "" {
			return fmt.Errorf("querygate: config: dispatch.kafka brokers and topic are required")
		}
	default:
		return fmt.Errorf("querygate: config: invalid dispatch backend %q", c.Dispatch.Backend)
	}
	return nil
}

// Location returns the reference timezone for periods.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LimitSource returns the configured static limits.
func (c Config) LimitSource() StaticLimits {
	return StaticLimits{Default: c.DefaultLimit, Overrides: c.Limits}
}
