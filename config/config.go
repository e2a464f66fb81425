package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from human
// readable strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings such as "90s" or "2m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for bumpd.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	Environment   string           `yaml:"environment"`
	Database      DatabaseConfig   `yaml:"database"`
	Chain         ChainConfig      `yaml:"chain"`
	Custody       CustodyConfig    `yaml:"custody"`
	Aggregator    AggregatorConfig `yaml:"aggregator"`
	PriceFeed     PriceFeedConfig  `yaml:"price_feed"`
	Bump          BumpConfig       `yaml:"bump"`
	Auth          AuthConfig       `yaml:"auth"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
	Log           LogConfig        `yaml:"log"`
}

// RateLimitConfig throttles the unauthenticated read endpoints per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// DatabaseConfig selects the persistence backend. URL takes precedence; the
// sqlite path exists for single-node deployments and tests.
type DatabaseConfig struct {
	URL        string `yaml:"url"`
	URLEnv     string `yaml:"url_env"`
	SQLitePath string `yaml:"sqlite_path"`
}

// ChainConfig describes the EVM endpoint and the wrapped asset contract.
type ChainConfig struct {
	RPCEndpoint    string   `yaml:"rpc_endpoint"`
	WrappedAsset   string   `yaml:"wrapped_asset"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
}

// CustodyConfig points at the delegated-execution provider.
type CustodyConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// AggregatorConfig points at the swap-quote aggregator.
type AggregatorConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// PriceFeedConfig points at the asset/USD price source.
type PriceFeedConfig struct {
	BaseURL  string   `yaml:"base_url"`
	AssetID  string   `yaml:"asset_id"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

// BumpConfig tunes swap execution.
type BumpConfig struct {
	SlippageBps          int `yaml:"slippage_bps"`
	EscalatedSlippageBps int `yaml:"escalated_slippage_bps"`
}

// AuthConfig secures the mutating API surface with a static bearer token.
type AuthConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
	BearerTokenEnv  string `yaml:"bearer_token_env"`
}

// LogConfig configures the optional rotating file sink.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads, defaults, and validates configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7140"
	}
	if cfg.Chain.ConfirmTimeout.Duration <= 0 {
		cfg.Chain.ConfirmTimeout.Duration = 90 * time.Second
	}
	if cfg.PriceFeed.CacheTTL.Duration <= 0 {
		cfg.PriceFeed.CacheTTL.Duration = 30 * time.Second
	}
	if cfg.Bump.SlippageBps <= 0 {
		cfg.Bump.SlippageBps = 500
	}
	if cfg.Bump.EscalatedSlippageBps <= 0 {
		cfg.Bump.EscalatedSlippageBps = 1000
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
}

func (c *Config) resolveSecrets() error {
	if c.Database.URL == "" && c.Database.URLEnv != "" {
		c.Database.URL = strings.TrimSpace(os.Getenv(c.Database.URLEnv))
	}
	if c.Custody.APIKey == "" && c.Custody.APIKeyEnv != "" {
		c.Custody.APIKey = strings.TrimSpace(os.Getenv(c.Custody.APIKeyEnv))
	}
	if c.Auth.BearerToken == "" && c.Auth.BearerTokenEnv != "" {
		c.Auth.BearerToken = strings.TrimSpace(os.Getenv(c.Auth.BearerTokenEnv))
	}
	if c.Auth.BearerToken == "" && c.Auth.BearerTokenFile != "" {
		raw, err := os.ReadFile(c.Auth.BearerTokenFile)
		if err != nil {
			return fmt.Errorf("read bearer token file: %w", err)
		}
		c.Auth.BearerToken = strings.TrimSpace(string(raw))
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.Database.URL == "" && cfg.Database.SQLitePath == "" {
		return fmt.Errorf("database url or sqlite path must be configured")
	}
	if strings.TrimSpace(cfg.Chain.RPCEndpoint) == "" {
		return fmt.Errorf("chain rpc endpoint must be configured")
	}
	if !isHexAddress(cfg.Chain.WrappedAsset) {
		return fmt.Errorf("wrapped asset address %q invalid", cfg.Chain.WrappedAsset)
	}
	if strings.TrimSpace(cfg.Custody.BaseURL) == "" {
		return fmt.Errorf("custody base url must be configured")
	}
	if strings.TrimSpace(cfg.Aggregator.BaseURL) == "" {
		return fmt.Errorf("aggregator base url must be configured")
	}
	if strings.TrimSpace(cfg.PriceFeed.BaseURL) == "" {
		return fmt.Errorf("price feed base url must be configured")
	}
	if cfg.Bump.EscalatedSlippageBps < cfg.Bump.SlippageBps {
		return fmt.Errorf("escalated slippage must not be below initial slippage")
	}
	if strings.TrimSpace(cfg.Auth.BearerToken) == "" {
		return fmt.Errorf("auth bearer token must be configured")
	}
	return nil
}

func isHexAddress(addr string) bool {
	trimmed := strings.TrimSpace(addr)
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 42 {
		return false
	}
	for _, r := range trimmed[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
