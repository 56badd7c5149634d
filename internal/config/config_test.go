package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultSession: "work",
		Server:         Server{RestURL: "https://api.test", SocketURL: "wss://api.test/socket"},
		Identity:       Identity{ID: "biz-42", Role: "business"},
		Timeouts:       Timeouts{Ack: 9 * time.Second},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Identity != cfg.Identity || loaded.Server != cfg.Server {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Timeouts.Ack != 9*time.Second {
		t.Errorf("ack = %s, want 9s", loaded.Timeouts.Ack)
	}
}

func TestLoadDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_session = "main"
[server]
rest_url = "https://api.example.com"
socket_url = "wss://api.example.com/socket"
[identity]
id = "u-1"
role = "user"
[timeouts]
ack = "12s"
handshake = "3s"
[reconnect]
base_delay = "500ms"
max_delay = "1m"
max_attempts = 4
[metrics]
enabled = true
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timeouts.Ack != 12*time.Second || cfg.Timeouts.Handshake != 3*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Reconnect.BaseDelay != 500*time.Millisecond || cfg.Reconnect.MaxDelay != time.Minute || cfg.Reconnect.MaxAttempts != 4 {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics not enabled")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil || cfg == nil {
		t.Errorf("LoadOrDefault() = %v, %v", cfg, err)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
	dir, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if dir.Mode().Perm() != 0700 {
		t.Errorf("dir permission = %o, want 0700", dir.Mode().Perm())
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	if cfg.DefaultSession != DefaultSession {
		t.Errorf("DefaultSession = %q", cfg.DefaultSession)
	}
	if cfg.Identity.Role != "business" {
		t.Errorf("role = %q", cfg.Identity.Role)
	}
	if cfg.Timeouts.Ack != 8*time.Second || cfg.Timeouts.Handshake != 10*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Reconnect.BaseDelay != time.Second || cfg.Reconnect.MaxDelay != 30*time.Second || cfg.Reconnect.MaxAttempts != 10 {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}

	// Explicit values are kept.
	cfg = &Config{Timeouts: Timeouts{Ack: time.Second}}
	cfg.ApplyDefaults()
	if cfg.Timeouts.Ack != time.Second {
		t.Errorf("ack = %s, want explicit 1s kept", cfg.Timeouts.Ack)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{
			Server:   Server{RestURL: "https://a", SocketURL: "wss://a"},
			Identity: Identity{ID: "b1", Role: "business"},
		}
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
		warn    bool
	}{
		{"valid", func(*Config) {}, "", false},
		{"missing rest url", func(c *Config) { c.Server.RestURL = "" }, "rest_url", false},
		{"missing socket url", func(c *Config) { c.Server.SocketURL = "" }, "socket_url", false},
		{"missing id", func(c *Config) { c.Identity.ID = "" }, "identity.id", false},
		{"bad role", func(c *Config) { c.Identity.Role = "owner" }, "identity.role", false},
		{"inverted backoff", func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond }, "max_delay", false},
		{"short ack warns", func(c *Config) { c.Timeouts.Ack = time.Second }, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			warnings, err := c.Validate()
			if tt.wantErr == "" && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
			if (len(warnings) > 0) != tt.warn {
				t.Errorf("warnings = %v, want warn=%v", warnings, tt.warn)
			}
		})
	}
}

func TestLoadEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "BIZSYNC_REST_URL=https://from-file\nBIZSYNC_ROLE=admin\nBIZSYNC_ACCESS_TOKEN=tok-file\n"
	if err := os.WriteFile(envPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	// Process environment beats the file.
	t.Setenv(EnvRole, "user")
	t.Setenv(EnvIdentity, "u-9")
	t.Setenv(EnvRestURL, "")
	t.Setenv(EnvAccessToken, "")
	t.Setenv(EnvRefreshToken, "")
	os.Unsetenv(EnvRestURL)
	os.Unsetenv(EnvAccessToken)
	os.Unsetenv(EnvRefreshToken)
	t.Cleanup(func() {
		os.Unsetenv(EnvRestURL)
		os.Unsetenv(EnvAccessToken)
	})

	cfg := &Config{Server: Server{SocketURL: "wss://kept"}}
	boot, err := cfg.LoadEnv(envPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.RestURL != "https://from-file" {
		t.Errorf("rest url = %q", cfg.Server.RestURL)
	}
	if cfg.Server.SocketURL != "wss://kept" {
		t.Errorf("socket url = %q, want untouched", cfg.Server.SocketURL)
	}
	if cfg.Identity.Role != "user" || cfg.Identity.ID != "u-9" {
		t.Errorf("identity = %+v", cfg.Identity)
	}
	if boot.AccessToken != "tok-file" || boot.RefreshToken != "" {
		t.Errorf("bootstrap = %+v", boot)
	}
}

func TestLoadEnvMissingFileIsFine(t *testing.T) {
	cfg := &Config{}
	if _, err := cfg.LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("LoadEnv() error = %v", err)
	}
}
