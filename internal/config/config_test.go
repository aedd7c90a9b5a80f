package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 10007 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Vault.Backend != "memory" {
		t.Errorf("default backend = %q", cfg.Vault.Backend)
	}
	if cfg.Auth.SessionExpiry != 24*time.Hour {
		t.Errorf("default session expiry = %v", cfg.Auth.SessionExpiry)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8080
vault:
  backend: sqlite
  path: /tmp/vault.db
llm:
  model: gpt-4o-mini
  retries: 5
logging:
  format: json
mcp:
  enabled: true
  servers:
    - id: calendar
      transport: http
      url: http://localhost:9100/rpc
      auto_start: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:8080" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Vault.Backend != "sqlite" || cfg.Vault.Path != "/tmp/vault.db" {
		t.Errorf("vault = %+v", cfg.Vault)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.Retries != 5 {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].ID != "calendar" {
		t.Errorf("mcp = %+v", cfg.MCP)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_VAULT_PATH", "/data/vault.db")
	path := writeConfig(t, `
vault:
  backend: sqlite
  path: ${TEST_VAULT_PATH}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Vault.Path != "/data/vault.db" {
		t.Errorf("expansion failed: %q", cfg.Vault.Path)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("CALAGENT_JWT_SECRET", "env-secret")
	path := writeConfig(t, `
auth:
  jwt_secret: file-secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"sqlite without path", func(c *Config) { c.Vault.Backend = "sqlite"; c.Vault.Path = "" }},
		{"unknown backend", func(c *Config) { c.Vault.Backend = "redis" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"negative expiry", func(c *Config) { c.Auth.SessionExpiry = -time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}
