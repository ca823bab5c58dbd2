package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
api:
  rest_url: https://staging-api.barterline.io/v1
  ws_url: wss://staging-ws.barterline.io/v1
auth:
  token: test-token
cache:
  backend: memory
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.RestURL != "https://staging-api.barterline.io/v1" {
		t.Errorf("API.RestURL = %q, want staging URL", cfg.API.RestURL)
	}
	if cfg.Auth.Token != "test-token" {
		t.Errorf("Auth.Token = %q, want %q", cfg.Auth.Token, "test-token")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_PARLEY_TOKEN", "secret123")

	yaml := `
auth:
  token: ${TEST_PARLEY_TOKEN}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.Token != "secret123" {
		t.Errorf("Auth.Token = %q, want %q", cfg.Auth.Token, "secret123")
	}
}

func TestLoadAndValidate_Defaults(t *testing.T) {
	yaml := `
auth:
  token: test-token
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadAndValidate(path)
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.Connection.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.Connection.HeartbeatInterval)
	}
	if cfg.Connection.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Delivery.MaxRetries != 3 {
		t.Errorf("Delivery.MaxRetries = %d, want 3", cfg.Delivery.MaxRetries)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("Cache.Backend = %q, want memory", cfg.Cache.Backend)
	}
	if cfg.Cache.HistoryCap != 500 {
		t.Errorf("Cache.HistoryCap = %d, want 500", cfg.Cache.HistoryCap)
	}
}

func TestLoadAndValidate_EnvOverlay(t *testing.T) {
	t.Setenv("PARLEY_CACHE_BACKEND", "sqlite")
	t.Setenv("PARLEY_SQLITE_PATH", "/tmp/parley.db")

	yaml := `
auth:
  token: test-token
cache:
  backend: memory
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadAndValidate(path)
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.Cache.Backend != "sqlite" {
		t.Errorf("Cache.Backend = %q, want env override sqlite", cfg.Cache.Backend)
	}
	if cfg.Cache.SQLitePath != "/tmp/parley.db" {
		t.Errorf("Cache.SQLitePath = %q, want /tmp/parley.db", cfg.Cache.SQLitePath)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ClientConfig)
	}{
		{"missing token", func(c *ClientConfig) { c.Auth = AuthConfig{} }},
		{"bad ws url", func(c *ClientConfig) { c.API.WSURL = "https://not-ws" }},
		{"bad backend", func(c *ClientConfig) { c.Cache.Backend = "etcd" }},
		{"sqlite without path", func(c *ClientConfig) { c.Cache.Backend = "sqlite" }},
		{"redis without url", func(c *ClientConfig) { c.Cache.Backend = "redis" }},
		{"postgres without host", func(c *ClientConfig) { c.Cache.Backend = "postgres" }},
		{"heartbeat timeout too small", func(c *ClientConfig) {
			c.Connection.HeartbeatTimeout = c.Connection.HeartbeatInterval
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ClientConfig{Auth: AuthConfig{Token: "tok"}}
			cfg.applyDefaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}
