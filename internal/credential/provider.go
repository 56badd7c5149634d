// Package credential supplies a currently valid bearer credential, refreshing
// it when it is about to expire. It is the only writer of the token store.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/syncerr"
)

// DefaultSkew refreshes a token this long before it actually expires.
const DefaultSkew = 30 * time.Second

// Pair is the persisted access/refresh credential.
type Pair struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is used when the access token carries no exp claim.
	ExpiresAt time.Time
}

// Store persists the credential pair.
type Store interface {
	LoadCredentials(ctx context.Context) (Pair, bool, error)
	SaveCredentials(ctx context.Context, p Pair) error
	ClearCredentials(ctx context.Context) error
}

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (Pair, error)
}

// Provider is safe for concurrent use. Concurrent callers that need a refresh
// share the result of a single refresh call.
type Provider struct {
	store     Store
	refresher Refresher
	log       *zap.Logger
	skew      time.Duration
	now       func() time.Time

	mu  sync.Mutex
	cur *Pair

	flightMu sync.Mutex
	inflight *flight
}

type flight struct {
	done  chan struct{}
	token string
	err   error
}

// Option configures a Provider.
type Option func(*Provider)

// WithSkew overrides DefaultSkew.
func WithSkew(d time.Duration) Option { return func(p *Provider) { p.skew = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(p *Provider) { p.now = now } }

// NewProvider returns a provider backed by store and refresher.
func NewProvider(store Store, refresher Refresher, log *zap.Logger, opts ...Option) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Provider{
		store:     store,
		refresher: refresher,
		log:       log,
		skew:      DefaultSkew,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Seed stores p when no credential is persisted yet. It reports whether it did.
func (p *Provider) Seed(ctx context.Context, pair Pair) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok, err := p.loadLocked(ctx); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	if err := p.store.SaveCredentials(ctx, pair); err != nil {
		return false, fmt.Errorf("seed credentials: %w", err)
	}
	p.cur = &pair
	return true, nil
}

// ValidCredential returns an access token that is not expired, refreshing
// first when needed. A missing or unrefreshable credential yields an
// *syncerr.AuthExpiredError.
func (p *Provider) ValidCredential(ctx context.Context) (string, error) {
	p.mu.Lock()
	pair, ok, err := p.loadLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	if !ok || pair.AccessToken == "" {
		return "", &syncerr.AuthExpiredError{Reason: "no stored credential"}
	}
	if !p.expired(pair) {
		return pair.AccessToken, nil
	}
	return p.Refresh(ctx)
}

// Refresh forces a refresh after the server said the credential expired.
// Callers arriving while a refresh is in flight wait for and share its result.
func (p *Provider) Refresh(ctx context.Context) (string, error) {
	p.flightMu.Lock()
	if f := p.inflight; f != nil {
		p.flightMu.Unlock()
		select {
		case <-f.done:
			return f.token, f.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	p.inflight = f
	p.flightMu.Unlock()

	p.mu.Lock()
	pair, ok, err := p.loadLocked(ctx)
	switch {
	case err != nil:
		f.err = err
	case !ok:
		f.err = &syncerr.AuthExpiredError{Reason: "no stored credential"}
	default:
		f.token, f.err = p.refreshLocked(ctx, pair)
	}
	p.mu.Unlock()

	p.flightMu.Lock()
	p.inflight = nil
	p.flightMu.Unlock()
	close(f.done)
	return f.token, f.err
}

// InvalidateSession forgets the credential.
func (p *Provider) InvalidateSession(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = nil
	if err := p.store.ClearCredentials(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	p.log.Info("session invalidated")
	return nil
}

// ExpiresAt returns when the current access token expires, if known.
func (p *Provider) ExpiresAt(ctx context.Context) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pair, ok, err := p.loadLocked(ctx)
	if err != nil || !ok {
		return time.Time{}, false
	}
	exp := expiry(pair)
	return exp, !exp.IsZero()
}

func (p *Provider) loadLocked(ctx context.Context) (Pair, bool, error) {
	if p.cur != nil {
		return *p.cur, true, nil
	}
	pair, ok, err := p.store.LoadCredentials(ctx)
	if err != nil {
		return Pair{}, false, fmt.Errorf("load credentials: %w", err)
	}
	if ok {
		p.cur = &pair
	}
	return pair, ok, nil
}

func (p *Provider) refreshLocked(ctx context.Context, old Pair) (string, error) {
	if old.RefreshToken == "" {
		return "", &syncerr.AuthExpiredError{Reason: "no refresh token"}
	}
	if p.refresher == nil {
		return "", &syncerr.AuthExpiredError{Reason: "refresh unavailable"}
	}
	next, err := p.refresher.RefreshToken(ctx, old.RefreshToken)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var ae *syncerr.AuthExpiredError
		if errors.As(err, &ae) {
			return "", err
		}
		return "", &syncerr.AuthExpiredError{Reason: "refresh failed", Err: err}
	}
	if next.AccessToken == "" {
		return "", &syncerr.AuthExpiredError{Reason: "refresh returned no token"}
	}
	if next.RefreshToken == "" {
		next.RefreshToken = old.RefreshToken
	}
	if err := p.store.SaveCredentials(ctx, next); err != nil {
		return "", fmt.Errorf("save refreshed credentials: %w", err)
	}
	p.cur = &next
	p.log.Info("credential refreshed", zap.Time("expires_at", expiry(next)))
	return next.AccessToken, nil
}

func (p *Provider) expired(pair Pair) bool {
	exp := expiry(pair)
	if exp.IsZero() {
		return false
	}
	return !p.now().Add(p.skew).Before(exp)
}

// expiry reads the exp claim of a JWT access token without verifying it,
// falling back to the stored ExpiresAt.
func expiry(pair Pair) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(pair.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return pair.ExpiresAt
}
