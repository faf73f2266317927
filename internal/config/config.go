// Package config provides configuration management for the registrar
// challenger. It loads a YAML config file and allows secrets to be
// overridden from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/registrar-challenger/internal/types"
)

// InstanceRole selects which halves of the service a process runs
type InstanceRole string

const (
	// RoleAdapterListener runs the adapters, the verification core and the emitter
	RoleAdapterListener InstanceRole = "adapter_listener"
	// RoleSessionNotifier runs the client-facing API over a read-only core view
	RoleSessionNotifier InstanceRole = "session_notifier"
	// RoleSingleInstance runs both halves in one process
	RoleSingleInstance InstanceRole = "single_instance"
)

// Config holds all application configuration
type Config struct {
	DB        DBConfig       `yaml:"db"`
	Redis     RedisConfig    `yaml:"redis"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Instance  InstanceConfig `yaml:"instance"`
}

// DBConfig holds database configuration
type DBConfig struct {
	URI            string `yaml:"uri"`
	Name           string `yaml:"name"`
	MaxConnections int    `yaml:"max_connections"`
}

// RedisConfig holds the event bus configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// InstanceConfig holds the role and the role-specific settings
type InstanceConfig struct {
	Role   InstanceRole   `yaml:"role"`
	Config ServicesConfig `yaml:"config"`
}

// ServicesConfig holds per-service settings
type ServicesConfig struct {
	Watcher     []WatcherConfig   `yaml:"watcher"`
	Matrix      MatrixConfig      `yaml:"matrix"`
	Twitter     TwitterConfig     `yaml:"twitter"`
	Email       EmailConfig       `yaml:"email"`
	DisplayName DisplayNameConfig `yaml:"display_name"`
	Notifier    NotifierConfig    `yaml:"notifier"`
}

// WatcherConfig holds one watcher websocket endpoint, one per chain
type WatcherConfig struct {
	Network  types.ChainName `yaml:"network"`
	Endpoint string          `yaml:"endpoint"`
}

// MatrixConfig holds the Matrix client configuration
type MatrixConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Homeserver string   `yaml:"homeserver"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	DBPath     string   `yaml:"db_path"`
	Admins     []string `yaml:"admins"`
}

// TwitterConfig holds the Twitter polling configuration
type TwitterConfig struct {
	Enabled         bool   `yaml:"enabled"`
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	Token           string `yaml:"token"`
	TokenSecret     string `yaml:"token_secret"`
	RequestInterval int    `yaml:"request_interval"`
}

// EmailConfig holds the SMTP/IMAP configuration
type EmailConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SMTPServer      string `yaml:"smtp_server"`
	IMAPServer      string `yaml:"imap_server"`
	Inbox           string `yaml:"inbox"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	RequestInterval int    `yaml:"request_interval"`
}

// DisplayNameConfig holds the similarity guard configuration. Enabled is a
// pointer so an omitted key means on, not off.
type DisplayNameConfig struct {
	Enabled *bool   `yaml:"enabled"`
	Limit   float64 `yaml:"limit"`
}

// IsEnabled reports whether the similarity guard runs. Defaults to true.
func (c *DisplayNameConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// NotifierConfig holds the client session API configuration
type NotifierConfig struct {
	APIAddress      string   `yaml:"api_address"`
	CORSAllowOrigin []string `yaml:"cors_allow_origin"`
}

// Default polling intervals in seconds
const (
	DefaultEmailInterval   = 5
	DefaultTwitterInterval = 300
)

// LoadConfig loads configuration from the given YAML file. An empty path
// falls back to the CHALLENGER_CONFIG environment variable, then config.yml.
func LoadConfig(path string) (*Config, error) {
	// Load .env first so secret overrides are visible (optional in production).
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	if path == "" {
		path = getEnv("CHALLENGER_CONFIG", "config.yml")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.DB.MaxConnections == 0 {
		c.DB.MaxConnections = 20
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Instance.Role == "" {
		c.Instance.Role = RoleSingleInstance
	}
	if c.Instance.Config.Email.RequestInterval == 0 {
		c.Instance.Config.Email.RequestInterval = DefaultEmailInterval
	}
	if c.Instance.Config.Twitter.RequestInterval == 0 {
		c.Instance.Config.Twitter.RequestInterval = DefaultTwitterInterval
	}
	if c.Instance.Config.DisplayName.Limit == 0 {
		c.Instance.Config.DisplayName.Limit = 0.85
	}
	if c.Instance.Config.Notifier.APIAddress == "" {
		c.Instance.Config.Notifier.APIAddress = "0.0.0.0:8080"
	}
}

// applyEnvOverrides lets deployments keep secrets out of the config file
func (c *Config) applyEnvOverrides() {
	c.DB.URI = getEnv("CHALLENGER_DB_URI", c.DB.URI)
	c.Redis.Password = getEnv("CHALLENGER_REDIS_PASSWORD", c.Redis.Password)
	c.Instance.Config.Matrix.Password = getEnv("CHALLENGER_MATRIX_PASSWORD", c.Instance.Config.Matrix.Password)
	c.Instance.Config.Email.Password = getEnv("CHALLENGER_EMAIL_PASSWORD", c.Instance.Config.Email.Password)
	c.Instance.Config.Twitter.APISecret = getEnv("CHALLENGER_TWITTER_API_SECRET", c.Instance.Config.Twitter.APISecret)
	c.Instance.Config.Twitter.TokenSecret = getEnv("CHALLENGER_TWITTER_TOKEN_SECRET", c.Instance.Config.Twitter.TokenSecret)
}

// Validate checks the configuration for startup errors
func (c *Config) Validate() error {
	switch c.Instance.Role {
	case RoleAdapterListener, RoleSessionNotifier, RoleSingleInstance:
	default:
		return fmt.Errorf("unknown instance role: %s", c.Instance.Role)
	}

	if c.DB.URI == "" {
		return fmt.Errorf("db.uri is required")
	}

	seen := make(map[types.ChainName]bool)
	for _, w := range c.Instance.Config.Watcher {
		if _, ok := types.ParseChainName(string(w.Network)); !ok {
			return fmt.Errorf("unknown chain in watcher config: %s", w.Network)
		}
		if seen[w.Network] {
			return fmt.Errorf("duplicate watcher config for chain: %s", w.Network)
		}
		if w.Endpoint == "" {
			return fmt.Errorf("watcher endpoint missing for chain: %s", w.Network)
		}
		seen[w.Network] = true
	}

	return nil
}

// Chains returns the chains served by this instance, one per watcher entry
func (c *Config) Chains() []types.ChainName {
	chains := make([]types.ChainName, 0, len(c.Instance.Config.Watcher))
	for _, w := range c.Instance.Config.Watcher {
		chains = append(chains, w.Network)
	}
	return chains
}

// PollInterval returns the IMAP poll interval as a duration
func (c *EmailConfig) PollInterval() time.Duration {
	return time.Duration(c.RequestInterval) * time.Second
}

// PollInterval returns the mention poll interval as a duration
func (c *TwitterConfig) PollInterval() time.Duration {
	return time.Duration(c.RequestInterval) * time.Second
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
