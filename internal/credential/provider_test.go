package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matheus3301/bizsync/internal/syncerr"
)

type memStore struct {
	mu    sync.Mutex
	pair  *Pair
	saves int
}

func (m *memStore) LoadCredentials(context.Context) (Pair, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pair == nil {
		return Pair{}, false, nil
	}
	return *m.pair, true, nil
}

func (m *memStore) SaveCredentials(_ context.Context, p Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair = &p
	m.saves++
	return nil
}

func (m *memStore) ClearCredentials(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair = nil
	return nil
}

type fakeRefresher struct {
	calls atomic.Int32
	gate  chan struct{}
	next  Pair
	err   error
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, refresh string) (Pair, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return Pair{}, f.err
	}
	return f.next, nil
}

func token(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "biz-42",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestValidCredentialWithoutRefresh(t *testing.T) {
	tok := token(t, time.Now().Add(time.Hour))
	store := &memStore{pair: &Pair{AccessToken: tok, RefreshToken: "r1"}}
	ref := &fakeRefresher{}
	p := NewProvider(store, ref, nil)

	got, err := p.ValidCredential(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != tok {
		t.Error("returned a different token")
	}
	if ref.calls.Load() != 0 {
		t.Error("refreshed a valid token")
	}
}

func TestExpiredTokenIsRefreshed(t *testing.T) {
	tests := []struct {
		name string
		exp  time.Duration
	}{
		{"already expired", -time.Minute},
		{"inside skew", 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStore{pair: &Pair{AccessToken: token(t, time.Now().Add(tt.exp)), RefreshToken: "r1"}}
			fresh := token(t, time.Now().Add(time.Hour))
			ref := &fakeRefresher{next: Pair{AccessToken: fresh}}
			p := NewProvider(store, ref, nil)

			got, err := p.ValidCredential(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if got != fresh {
				t.Error("did not return refreshed token")
			}
			if store.pair.RefreshToken != "r1" {
				t.Errorf("refresh token = %q, want r1 kept", store.pair.RefreshToken)
			}
		})
	}
}

func TestOpaqueTokenUsesStoredExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{pair: &Pair{AccessToken: "opaque", RefreshToken: "r1", ExpiresAt: now.Add(-time.Second)}}
	ref := &fakeRefresher{next: Pair{AccessToken: "opaque-2", ExpiresAt: now.Add(time.Hour)}}
	p := NewProvider(store, ref, nil, WithClock(func() time.Time { return now }))

	got, err := p.ValidCredential(context.Background())
	if err != nil || got != "opaque-2" {
		t.Fatalf("got %q, %v", got, err)
	}

	store2 := &memStore{pair: &Pair{AccessToken: "forever"}}
	p2 := NewProvider(store2, ref, nil)
	if got, err := p2.ValidCredential(context.Background()); err != nil || got != "forever" {
		t.Errorf("token without expiry: %q, %v", got, err)
	}
}

func TestRefreshFailureIsAuthExpired(t *testing.T) {
	tests := []struct {
		name  string
		store *memStore
		ref   *fakeRefresher
	}{
		{"no credential", &memStore{}, &fakeRefresher{}},
		{"no refresh token", &memStore{pair: &Pair{AccessToken: "a", ExpiresAt: time.Now().Add(-time.Hour)}}, &fakeRefresher{}},
		{"refresh rejected", &memStore{pair: &Pair{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(-time.Hour)}}, &fakeRefresher{err: errors.New("401")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider(tt.store, tt.ref, nil)
			_, err := p.ValidCredential(context.Background())
			if !errors.Is(err, syncerr.ErrAuthExpired) {
				t.Fatalf("err = %v, want ErrAuthExpired", err)
			}
			if syncerr.Recoverable(err) {
				t.Error("auth expiry must not be recoverable")
			}
		})
	}
}

func TestConcurrentRefreshSharesOneCall(t *testing.T) {
	store := &memStore{pair: &Pair{AccessToken: "old", RefreshToken: "r1"}}
	ref := &fakeRefresher{gate: make(chan struct{}), next: Pair{AccessToken: "new"}}
	p := NewProvider(store, ref, nil)

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = p.Refresh(context.Background())
		}()
	}
	for ref.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(ref.gate)
	wg.Wait()

	if c := ref.calls.Load(); c != 1 {
		t.Errorf("refresher called %d times, want 1", c)
	}
	for i, r := range results {
		if r != "new" {
			t.Errorf("result[%d] = %q, want new", i, r)
		}
	}
}

func TestInvalidateSession(t *testing.T) {
	store := &memStore{pair: &Pair{AccessToken: "a", RefreshToken: "r"}}
	p := NewProvider(store, &fakeRefresher{}, nil)
	if _, err := p.ValidCredential(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.InvalidateSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.pair != nil {
		t.Error("store not cleared")
	}
	if _, err := p.ValidCredential(context.Background()); !errors.Is(err, syncerr.ErrAuthExpired) {
		t.Errorf("after invalidate err = %v, want ErrAuthExpired", err)
	}
}

func TestSeedOnlyWhenEmpty(t *testing.T) {
	store := &memStore{}
	p := NewProvider(store, nil, nil)
	ok, err := p.Seed(context.Background(), Pair{AccessToken: "a", RefreshToken: "r"})
	if err != nil || !ok {
		t.Fatalf("first seed = %v, %v", ok, err)
	}
	ok, err = p.Seed(context.Background(), Pair{AccessToken: "b"})
	if err != nil || ok {
		t.Fatalf("second seed = %v, %v, want false", ok, err)
	}
	if store.pair.AccessToken != "a" {
		t.Errorf("token = %q, want a", store.pair.AccessToken)
	}
}
