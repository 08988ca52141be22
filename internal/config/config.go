// Package config defines all configuration for the core runtime.
// Config is loaded from environment variables (prefix CORE_) with an
// optional YAML file for local development, following the same viper
// pattern the reference bot used for its single-process config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the whole core process.
type Config struct {
	DevMode bool `mapstructure:"dev_mode"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Security  SecurityConfig  `mapstructure:"security"`
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type DatabaseConfig struct {
	ConnectionString string `mapstructure:"connection_string"`

	// DataDir roots the JSON-file entity store (internal/store). Unused if
	// a future deployment swaps in a real database behind ConnectionString.
	DataDir string `mapstructure:"data_dir"`
}

// CacheConfig points at the Redis instance backing the Cache Layer (C3) and
// the Job System (C7) queue primitives.
type CacheConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	DB               int    `mapstructure:"db"`
}

type SecurityConfig struct {
	JWTSigningKey           string `mapstructure:"jwt_signing_key"`
	CredentialEncryptionKey string `mapstructure:"credential_encryption_key"`
}

// VenueConfig holds the per-venue, per-environment REST/stream base URLs
// and the symbols this deployment trades on that venue.
type VenueConfig struct {
	RESTBaseURL      string         `mapstructure:"rest_base_url"`
	StreamBaseURL    string         `mapstructure:"stream_base_url"`
	TestnetRESTURL   string         `mapstructure:"testnet_rest_base_url"`
	TestnetStreamURL string         `mapstructure:"testnet_stream_base_url"`
	Symbols          []SymbolConfig `mapstructure:"symbols"`
}

// SymbolConfig describes one tradable instrument's tick/lot constraints,
// the static complement to the live data the Market-Data Hub maintains.
type SymbolConfig struct {
	Base              string `mapstructure:"base"`
	Quote             string `mapstructure:"quote"`
	TickSize          string `mapstructure:"tick_size"`
	LotSize           string `mapstructure:"lot_size"`
	MinNotional       string `mapstructure:"min_notional"`
	PricePrecision    int32  `mapstructure:"price_precision"`
	QuantityPrecision int32  `mapstructure:"quantity_precision"`
}

type ExchangesConfig struct {
	Venues map[string]VenueConfig `mapstructure:"venues"`
}

// JobsConfig tunes the background Job System (C7).
type JobsConfig struct {
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	SchedulerTick     time.Duration `mapstructure:"scheduler_tick_seconds"`
	JobDataTTLDays    int           `mapstructure:"job_data_ttl_days"`
	JobResultTTLDays  int           `mapstructure:"job_result_ttl_days"`
	DefaultJobTimeout time.Duration `mapstructure:"default_job_timeout_seconds"`
}

// RiskConfig tunes the continuous risk sweep (C5). Per-limit thresholds
// live on the RiskLimit entity, not here.
type RiskConfig struct {
	SweepInterval time.Duration `mapstructure:"risk_sweep_seconds"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout_seconds"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace_seconds"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TokenTTL       time.Duration `mapstructure:"token_ttl_seconds"`
	DryRun         bool          `mapstructure:"dry_run"`
	Testnet        bool          `mapstructure:"testnet"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load reads configuration from environment variables (prefix CORE_), with
// an optional YAML file at path for local overrides if it exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.connection_string", "postgres://localhost:5432/core?sslmode=disable")
	v.SetDefault("database.data_dir", "./data")
	v.SetDefault("cache.connection_string", "localhost:6379")
	v.SetDefault("cache.db", 0)
	v.SetDefault("jobs.worker_pool_size", 4)
	v.SetDefault("jobs.scheduler_tick_seconds", 30*time.Second)
	v.SetDefault("jobs.job_data_ttl_days", 7)
	v.SetDefault("jobs.job_result_ttl_days", 1)
	v.SetDefault("jobs.default_job_timeout_seconds", 300*time.Second)
	v.SetDefault("risk.risk_sweep_seconds", 60*time.Second)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15*time.Second)
	v.SetDefault("server.write_timeout_seconds", 15*time.Second)
	v.SetDefault("server.shutdown_grace_seconds", 30*time.Second)
	v.SetDefault("server.token_ttl_seconds", 24*time.Hour)
	v.SetDefault("server.dry_run", false)
	v.SetDefault("server.testnet", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.ConnectionString == "" {
		return fmt.Errorf("database.connection_string is required")
	}
	if c.Cache.ConnectionString == "" {
		return fmt.Errorf("cache.connection_string is required")
	}
	if c.Security.CredentialEncryptionKey == "" {
		return fmt.Errorf("security.credential_encryption_key is required")
	}
	if c.Jobs.WorkerPoolSize <= 0 {
		return fmt.Errorf("jobs.worker_pool_size must be > 0")
	}
	return nil
}

// VenueURLs resolves the REST/stream base URLs for a venue/environment pair.
func (c *ExchangesConfig) VenueURLs(venue string, testnet bool) (rest, stream string, ok bool) {
	v, found := c.Venues[venue]
	if !found {
		return "", "", false
	}
	if testnet {
		return v.TestnetRESTURL, v.TestnetStreamURL, true
	}
	return v.RESTBaseURL, v.StreamBaseURL, true
}
