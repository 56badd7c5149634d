// Package conn owns the streaming connection of each logical identity: the
// authenticated handshake, recovery from credential expiry and drops, and
// teardown.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/bus"
	"github.com/matheus3301/bizsync/internal/metrics"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/transport"
)

// ErrAlreadyOpen is returned by Open for an identity that already has a handle.
var ErrAlreadyOpen = errors.New("identity already has an open connection")

// Credentials is the subset of the credential provider the manager needs.
type Credentials interface {
	ValidCredential(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	InvalidateSession(ctx context.Context) error
}

// Resyncer re-seeds authoritative state after every successful handshake.
// Resync runs on the connection's read goroutine and must not wait for acks.
type Resyncer interface {
	Resync(ctx context.Context)
}

// Config wires a Manager.
type Config struct {
	Credentials      Credentials
	Transport        transport.Transport
	Backoff          transport.BackoffConfig
	HandshakeTimeout time.Duration
	// AuthTimeout bounds the wait for the authenticate ack after a refresh.
	AuthTimeout time.Duration

	Bus     *bus.Bus
	Metrics metrics.Recorder
	Logger  *zap.Logger

	// OnError, when set, receives every transport error of every handle.
	OnError func(model.Identity, error)
}

// Manager hands out at most one Handle per identity.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu   sync.Mutex
	open map[string]*Handle
}

// NewManager returns a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(false)
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:  cfg,
		log:  cfg.Logger,
		open: make(map[string]*Handle),
	}
}

// Open connects identity and returns its handle once the handshake succeeded.
func (m *Manager) Open(ctx context.Context, identity model.Identity) (*Handle, error) {
	if identity.ID == "" || !identity.Role.Valid() {
		return nil, fmt.Errorf("invalid identity %q", identity.Key())
	}
	key := identity.Key()

	m.mu.Lock()
	if _, ok := m.open[key]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", key, ErrAlreadyOpen)
	}
	h := newHandle(m, identity)
	m.open[key] = h
	m.mu.Unlock()

	if err := h.start(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Close tears down h. It is safe to call more than once.
func (m *Manager) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	return h.Close()
}

// Get returns the open handle for identity.
func (m *Manager) Get(identity model.Identity) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.open[identity.Key()]
	return h, ok
}

// CloseAll closes every open handle.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.open))
	for _, h := range m.open {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h.Close()
	}
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open[h.identity.Key()] == h {
		delete(m.open, h.identity.Key())
	}
}
