package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/matheus3301/bizsync/internal/model"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultSession          = "main"
	DefaultAckTimeout       = 8 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultMaxAttempts      = 10
)

// Config represents the global ~/.bizsync/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	Server         Server    `toml:"server"`
	Identity       Identity  `toml:"identity"`
	Timeouts       Timeouts  `toml:"timeouts"`
	Reconnect      Reconnect `toml:"reconnect"`
	Metrics        Metrics   `toml:"metrics"`
}

// Server holds the collaborator endpoints.
type Server struct {
	RestURL   string `toml:"rest_url"`
	SocketURL string `toml:"socket_url"`
}

// Identity is the actor the daemon connects as.
type Identity struct {
	ID   string `toml:"id"`
	Role string `toml:"role"`
}

// Timeouts bound acks and the handshake.
type Timeouts struct {
	Ack       time.Duration `toml:"ack"`
	Handshake time.Duration `toml:"handshake"`
}

// Reconnect configures the dial backoff.
type Reconnect struct {
	BaseDelay   time.Duration `toml:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay"`
	MaxAttempts int           `toml:"max_attempts"`
}

// Metrics toggles the Prometheus endpoint.
type Metrics struct {
	Enabled bool `toml:"enabled"`
}

// Bootstrap carries credentials handed in through the environment. They seed
// an empty credential store and are ignored otherwise.
type Bootstrap struct {
	AccessToken  string
	RefreshToken string
}

// Environment overrides read by LoadEnv.
const (
	EnvRestURL      = "BIZSYNC_REST_URL"
	EnvSocketURL    = "BIZSYNC_SOCKET_URL"
	EnvIdentity     = "BIZSYNC_IDENTITY"
	EnvRole         = "BIZSYNC_ROLE"
	EnvAccessToken  = "BIZSYNC_ACCESS_TOKEN"
	EnvRefreshToken = "BIZSYNC_REFRESH_TOKEN"
)

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault is Load that treats a missing file as an empty config.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadEnv applies overrides from envPath (if it exists) and the process
// environment. Variables already set in the environment win over the file.
func (c *Config) LoadEnv(envPath string) (Bootstrap, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Bootstrap{}, fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	if v := os.Getenv(EnvRestURL); v != "" {
		c.Server.RestURL = v
	}
	if v := os.Getenv(EnvSocketURL); v != "" {
		c.Server.SocketURL = v
	}
	if v := os.Getenv(EnvIdentity); v != "" {
		c.Identity.ID = v
	}
	if v := os.Getenv(EnvRole); v != "" {
		c.Identity.Role = v
	}
	return Bootstrap{
		AccessToken:  os.Getenv(EnvAccessToken),
		RefreshToken: os.Getenv(EnvRefreshToken),
	}, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.DefaultSession == "" {
		c.DefaultSession = DefaultSession
	}
	if c.Identity.Role == "" {
		c.Identity.Role = string(model.RoleBusiness)
	}
	if c.Timeouts.Ack == 0 {
		c.Timeouts.Ack = DefaultAckTimeout
	}
	if c.Timeouts.Handshake == 0 {
		c.Timeouts.Handshake = DefaultHandshakeTimeout
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
}

// Validate checks what the daemon needs to start. It returns warnings for
// values that are legal but unwise.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error
	if c.Server.RestURL == "" {
		errs = append(errs, errors.New("server.rest_url is required"))
	}
	if c.Server.SocketURL == "" {
		errs = append(errs, errors.New("server.socket_url is required"))
	}
	if c.Identity.ID == "" {
		errs = append(errs, errors.New("identity.id is required"))
	}
	if !model.Role(c.Identity.Role).Valid() {
		errs = append(errs, fmt.Errorf("identity.role %q must be business, user or admin", c.Identity.Role))
	}
	if c.Timeouts.Ack < 0 || c.Timeouts.Handshake < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, errors.New("reconnect.max_delay must be >= reconnect.base_delay"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.Timeouts.Ack > 0 && c.Timeouts.Ack < DefaultAckTimeout {
		warnings = append(warnings, fmt.Sprintf("timeouts.ack %s is below the recommended %s", c.Timeouts.Ack, DefaultAckTimeout))
	}
	return warnings, errors.Join(errs...)
}

// IdentityModel returns the configured identity.
func (c *Config) IdentityModel() model.Identity {
	return model.Identity{ID: c.Identity.ID, Role: model.Role(c.Identity.Role)}
}
