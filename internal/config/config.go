package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Signing  SigningConfig  `yaml:"signing" envconfig:"SIGNING"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Admin    AdminConfig    `yaml:"admin" envconfig:"ADMIN"`
	Channels ChannelsConfig `yaml:"channels" envconfig:"CHANNELS"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration. Defaults are applied
// in applyDefaults rather than envconfig tags so file values are not
// shadowed during the merge.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// SigningConfig contains license token signing configuration.
// The secret is read-only shared state after process start; rotating it
// invalidates every outstanding license key.
type SigningConfig struct {
	Secret string `yaml:"secret" envconfig:"SECRET"`
}

// StoreConfig contains license store configuration
type StoreConfig struct {
	Path string `yaml:"path" envconfig:"PATH"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Token string `yaml:"token" envconfig:"TOKEN"`
}

// ChannelsConfig contains per-sales-channel webhook configuration
type ChannelsConfig struct {
	Gumroad GumroadConfig `yaml:"gumroad" envconfig:"GUMROAD"`
	AppSumo AppSumoConfig `yaml:"appsumo" envconfig:"APPSUMO"`
	Stripe  StripeConfig  `yaml:"stripe" envconfig:"STRIPE"`
}

// GumroadConfig authenticates Gumroad pings by seller id comparison
type GumroadConfig struct {
	SellerID  string `yaml:"seller_id" envconfig:"SELLER_ID"`
	ProductID string `yaml:"product_id" envconfig:"PRODUCT_ID"`
}

// AppSumoConfig authenticates AppSumo webhooks by HMAC over the raw body
type AppSumoConfig struct {
	Secret string `yaml:"secret" envconfig:"SECRET"`
}

// StripeConfig authenticates Stripe events via the provider SDK
type StripeConfig struct {
	WebhookSecret string `yaml:"webhook_secret" envconfig:"WEBHOOK_SECRET"`
	// TermDays bounds subscription-linked licenses; 0 means lifetime.
	TermDays int `yaml:"term_days" envconfig:"TERM_DAYS" default:"365"`
}

// SecurityConfig contains security-related configuration. The boolean
// toggles keep envconfig defaults and are env-only: a false in the
// config file is indistinguishable from unset.
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration for public endpoints
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("KEYSERVE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := getConfigFilePath(); configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileCfg, cfg)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Server.ReadTimeout == 0 {
		envConfig.Server.ReadTimeout = fileConfig.Server.ReadTimeout
	}
	if envConfig.Server.WriteTimeout == 0 {
		envConfig.Server.WriteTimeout = fileConfig.Server.WriteTimeout
	}
	if envConfig.Server.IdleTimeout == 0 {
		envConfig.Server.IdleTimeout = fileConfig.Server.IdleTimeout
	}
	if envConfig.Server.ShutdownTimeout == 0 {
		envConfig.Server.ShutdownTimeout = fileConfig.Server.ShutdownTimeout
	}
	if envConfig.Server.RequestTimeout == 0 {
		envConfig.Server.RequestTimeout = fileConfig.Server.RequestTimeout
	}
	if envConfig.Signing.Secret == "" {
		envConfig.Signing.Secret = fileConfig.Signing.Secret
	}
	if envConfig.Store.Path == "" {
		envConfig.Store.Path = fileConfig.Store.Path
	}
	if envConfig.Admin.Token == "" {
		envConfig.Admin.Token = fileConfig.Admin.Token
	}
	if envConfig.Channels.Gumroad.SellerID == "" {
		envConfig.Channels.Gumroad = fileConfig.Channels.Gumroad
	}
	if envConfig.Channels.AppSumo.Secret == "" {
		envConfig.Channels.AppSumo = fileConfig.Channels.AppSumo
	}
	if envConfig.Channels.Stripe.WebhookSecret == "" {
		envConfig.Channels.Stripe = fileConfig.Channels.Stripe
	}
	if len(envConfig.Security.AllowedOrigins) == 0 {
		envConfig.Security.AllowedOrigins = fileConfig.Security.AllowedOrigins
	}
	if envConfig.Security.RateLimit.RPS == 0 {
		envConfig.Security.RateLimit.RPS = fileConfig.Security.RateLimit.RPS
	}
	if envConfig.Security.RateLimit.Burst == 0 {
		envConfig.Security.RateLimit.Burst = fileConfig.Security.RateLimit.Burst
	}
	if envConfig.Logging.Level == "" {
		envConfig.Logging.Level = fileConfig.Logging.Level
	}
	if envConfig.Logging.Format == "" {
		envConfig.Logging.Format = fileConfig.Logging.Format
	}
	if envConfig.Logging.Output == "" {
		envConfig.Logging.Output = fileConfig.Logging.Output
	}
	if envConfig.Logging.FilePath == "" {
		envConfig.Logging.FilePath = fileConfig.Logging.FilePath
	}
	return envConfig
}

// applyDefaults fills whatever neither the environment nor the config
// file set.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = "keyserve.db"
	}
	if len(c.Security.AllowedOrigins) == 0 {
		c.Security.AllowedOrigins = []string{"http://localhost:8080"}
	}
	if c.Security.RateLimit.RPS == 0 {
		c.Security.RateLimit.RPS = 20
	}
	if c.Security.RateLimit.Burst == 0 {
		c.Security.RateLimit.Burst = 40
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "console"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/keyserve.log"
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Signing.Secret == "" {
		return fmt.Errorf("signing secret must be configured")
	}

	if len(c.Signing.Secret) < 16 {
		return fmt.Errorf("signing secret must be at least 16 bytes, got %d", len(c.Signing.Secret))
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store path must be configured")
	}

	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		c.Logging.Format = "json"
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/keyserve.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file, if any
func getConfigFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration suitable for tests
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Signing: SigningConfig{
			Secret: "test-signing-secret-do-not-use",
		},
		Store: StoreConfig{
			Path: ":memory:",
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "console",
		},
	}
}
