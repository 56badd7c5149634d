package transport

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/matheus3301/bizsync/internal/syncerr"
)

// BackoffConfig parameterizes a Backoff. Zero values take the defaults:
// 1s base, 30s cap, unlimited attempts, reset after one stable minute.
type BackoffConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	StableAfter time.Duration
}

// Backoff computes reconnect delays: exponential from Base with up to 50%
// jitter, capped at Max. The attempt counter resets once a connection has
// stayed up for StableAfter.
type Backoff struct {
	cfg BackoffConfig

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
	jitter      func() float64
}

// NewBackoff returns a Backoff for cfg.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base == 0 {
		cfg.Base = time.Second
	}
	if cfg.Max == 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.StableAfter == 0 {
		cfg.StableAfter = time.Minute
	}
	return &Backoff{cfg: cfg, jitter: rand.Float64}
}

// Next returns the delay before the next attempt, or false once MaxAttempts
// consecutive failures have been spent.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > b.cfg.StableAfter {
		b.attempt = 0
		b.connectedAt = time.Time{}
	}
	if b.cfg.MaxAttempts > 0 && b.attempt >= b.cfg.MaxAttempts {
		return 0, false
	}
	jitter := b.jitter() * float64(b.cfg.Base) * 0.5
	delay := time.Duration(math.Min(
		float64(b.cfg.Base)*math.Pow(2, float64(b.attempt))+jitter,
		float64(b.cfg.Max),
	))
	b.attempt++
	return delay, true
}

// MarkConnected records a successful connection.
func (b *Backoff) MarkConnected() {
	b.mu.Lock()
	b.connectedAt = time.Now()
	b.mu.Unlock()
}

// Reset forgets all failures.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.connectedAt = time.Time{}
	b.mu.Unlock()
}

// Dialer dials and handshakes through a Transport, retrying transport
// failures with Backoff. Handshake rejections are returned immediately so the
// caller can decide whether a fresh credential is worth another try.
type Dialer struct {
	Transport        Transport
	Backoff          *Backoff
	HandshakeTimeout time.Duration

	// OnError is called for every failed attempt that will be retried or
	// that exhausted the budget.
	OnError func(*syncerr.TransportError)
}

// Dial returns a connection whose handshake has completed.
func (d *Dialer) Dial(ctx context.Context, credential string) (Conn, error) {
	if d.Backoff == nil {
		d.Backoff = NewBackoff(BackoffConfig{})
	}
	for attempt := 1; ; attempt++ {
		c, err := d.once(ctx, credential)
		if err == nil {
			d.Backoff.MarkConnected()
			return c, nil
		}
		var rej *RejectedError
		if errors.As(err, &rej) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		terr := &syncerr.TransportError{Op: "dial", Attempt: attempt, Err: err}
		if d.OnError != nil {
			d.OnError(terr)
		}
		delay, ok := d.Backoff.Next()
		if !ok {
			return nil, terr
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (d *Dialer) once(ctx context.Context, credential string) (Conn, error) {
	c, err := d.Transport.Dial(ctx, credential)
	if err != nil {
		return nil, err
	}
	if err := Handshake(ctx, c, d.HandshakeTimeout); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
