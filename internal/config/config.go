// Package config loads and validates the service configuration from a
// YAML file with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calagent/calagent/internal/mcp"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Vault   VaultConfig   `yaml:"vault"`
	LLM     LLMConfig     `yaml:"llm"`
	MCP     mcp.Config    `yaml:"mcp"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig configures session tokens and the upstream OAuth provider.
type AuthConfig struct {
	// JWTSecret signs session tokens.
	JWTSecret string `yaml:"jwt_secret"`

	// SessionExpiry bounds session token lifetime.
	SessionExpiry time.Duration `yaml:"session_expiry"`

	// Upstream OAuth provider identity.
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`

	// Custom endpoints; empty means Google's.
	AuthURL  string `yaml:"auth_url"`
	TokenURL string `yaml:"token_url"`
}

// VaultConfig configures credential storage.
type VaultConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	// CredentialTTL bounds stored credential lifetime; zero keeps
	// records until overwritten.
	CredentialTTL time.Duration `yaml:"credential_ttl"`
}

// LLMConfig configures the chat provider.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	TopP        float32 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
	Retries     int     `yaml:"retries"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 10007,
		},
		Auth: AuthConfig{
			SessionExpiry: 24 * time.Hour,
			Scopes:        []string{"https://www.googleapis.com/auth/calendar.readonly"},
		},
		Vault: VaultConfig{
			Backend: "memory",
		},
		LLM: LLMConfig{
			Model:   "gpt-4o",
			Retries: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads, expands, and validates the configuration at path. An
// empty path yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets stay out of the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALAGENT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("CALAGENT_OAUTH_CLIENT_ID"); v != "" {
		cfg.Auth.ClientID = v
	}
	if v := os.Getenv("CALAGENT_OAUTH_CLIENT_SECRET"); v != "" {
		cfg.Auth.ClientSecret = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Vault.Backend {
	case "", "memory":
	case "sqlite":
		if c.Vault.Path == "" {
			return fmt.Errorf("vault.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown vault.backend %q", c.Vault.Backend)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}

	if c.Auth.SessionExpiry < 0 {
		return fmt.Errorf("auth.session_expiry must not be negative")
	}

	if err := c.MCP.Validate(); err != nil {
		return fmt.Errorf("mcp: %w", err)
	}

	return nil
}
