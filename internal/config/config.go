package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the stream proxy broker.
type Config struct {
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Steem   SteemConfig   `mapstructure:"steem"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ProxyConfig contains the broker's bind address and lease policy.
type ProxyConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	TTL                int    `mapstructure:"ttl"`
	TTLTolerance       int    `mapstructure:"ttl_tolerance"`
	EnableHead         bool   `mapstructure:"enable_head"`
	EnableIrreversible bool   `mapstructure:"enable_irreversible"`
}

// SteemConfig points at the upstream node.
type SteemConfig struct {
	Node string `mapstructure:"node"`
}

// MetricsConfig controls the Prometheus/diagnostics sidecar.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig controls zap sinks, level and file rotation.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       string `mapstructure:"file"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads configuration from environment variables and an optional
// streamproxy.yaml config file. Lease values are integers here regardless of
// how the config file spells them; viper coerces string values at unmarshal.
func Load() (Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 8080)
	v.SetDefault("proxy.ttl", 20)
	v.SetDefault("proxy.ttl_tolerance", 2)
	v.SetDefault("proxy.enable_head", true)
	v.SetDefault("proxy.enable_irreversible", true)

	v.SetDefault("steem.node", "wss://api.steemit.com")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_age_days", 7)
	v.SetDefault("logging.max_backups", 7)

	v.SetConfigName("streamproxy")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("STREAMPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Attempt to read config file (optional)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Proxy.TTL <= 0 {
		cfg.Proxy.TTL = 20
	}
	if cfg.Proxy.TTLTolerance < 0 {
		cfg.Proxy.TTLTolerance = 2
	}

	return cfg, nil
}
