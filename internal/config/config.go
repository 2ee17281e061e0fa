// Package config loads the daemon configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon configuration.
type Config struct {
	// Account is the ledger account this process acts as.
	Account string `mapstructure:"account"`

	// PrivateKey is the hex-encoded signing key for Account. Required to
	// build payments; the hub can run without it and only accept.
	PrivateKey string `mapstructure:"private_key"`

	// DatabaseURL selects the storage engine by scheme:
	// memory://, sqlite3://<path>, postgres://...
	DatabaseURL string `mapstructure:"database_url"`

	// LedgerURL selects the ledger gateway. sim:// runs the in-process ledger.
	LedgerURL string `mapstructure:"ledger_url"`

	// Channel configuration
	SettlementPeriod      int64 `mapstructure:"settlement_period"`
	MinSettlementPeriod   int64 `mapstructure:"min_settlement_period"`
	CloseOnInvalidPayment bool  `mapstructure:"close_on_invalid_payment"`

	// Cache configuration
	CachePeriod time.Duration `mapstructure:"cache_period"`
	TuplePeriod time.Duration `mapstructure:"tuple_period"`

	// HTTP configuration
	ListenAddr string `mapstructure:"listen_addr"`
	JWTIssuer  string `mapstructure:"jwt_issuer"`
	JWTKeyPath string `mapstructure:"jwt_key_path"`

	Debug bool `mapstructure:"debug"`
}

// Load reads configuration from the optional yaml file at path, overlaid with
// OFFCHAN_* environment variables, on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("account", "")
	v.SetDefault("private_key", "")
	v.SetDefault("database_url", "sqlite3://offchan.db")
	v.SetDefault("ledger_url", "sim://")
	v.SetDefault("settlement_period", 172800)
	v.SetDefault("min_settlement_period", 0)
	v.SetDefault("close_on_invalid_payment", false)
	v.SetDefault("cache_period", 30*time.Minute)
	v.SetDefault("tuple_period", 2*time.Minute)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("jwt_issuer", "offchan")
	v.SetDefault("jwt_key_path", "offchan-admin.pem")
	v.SetDefault("debug", false)

	v.SetEnvPrefix("OFFCHAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errInvalidConfig("database URL is required")
	}
	if c.LedgerURL == "" {
		return errInvalidConfig("ledger URL is required")
	}
	if c.SettlementPeriod <= 0 {
		return errInvalidConfig("settlement period must be positive")
	}
	if c.MinSettlementPeriod < 0 {
		return errInvalidConfig("minimum settlement period must not be negative")
	}
	if c.MinSettlementPeriod > c.SettlementPeriod {
		return errInvalidConfig("minimum settlement period exceeds the settlement period")
	}
	if c.ListenAddr == "" {
		return errInvalidConfig("listen address is required")
	}
	return nil
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Message
}

func errInvalidConfig(message string) error {
	return &ConfigError{Message: message}
}
