package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/syncerr"
)

type staticToken string

func (s staticToken) ValidCredential(context.Context) (string, error) { return string(s), nil }

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get(PathDashboardStats, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("id") != "biz-42" || r.URL.Query().Get("role") != "business" {
			http.Error(w, "wrong identity", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"views_count":10,"reviews_count":2,"appointments_count":1,"appointments":[{"id":"a1","status":"booked"}]}`))
	})
	r.Get(PathConversations, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"conversations":[{"conversationId":"c1","partnerId":"u1","lastMessage":"hi","unreadCount":2}]}`))
	})
	r.Post(PathRefreshToken, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			http.Error(w, "refresh must not carry a bearer", http.StatusBadRequest)
			return
		}
		var req refreshRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"accessToken":"a2","refreshToken":"r2","expiresIn":3600}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

var identity = model.Identity{ID: "biz-42", Role: model.RoleBusiness}

func TestFetchDashboardStats(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL+"/", identity)
	c.SetTokenSource(staticToken("good"))

	stats, err := c.FetchDashboardStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Views == nil || *stats.Views != 10 {
		t.Errorf("views = %v", stats.Views)
	}
	if stats.Messages != nil {
		t.Error("absent field decoded as set")
	}
	if len(stats.Appointments) != 1 || stats.Appointments[0].ID != "a1" {
		t.Errorf("appointments = %+v", stats.Appointments)
	}
}

func TestUnauthorizedIsAuthExpired(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL, identity)
	c.SetTokenSource(staticToken("stale"))

	_, err := c.FetchDashboardStats(context.Background())
	if !errors.Is(err, syncerr.ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
}

func TestFetchConversations(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL, identity)
	c.SetTokenSource(staticToken("good"))

	list, err := c.FetchConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ConversationID != "c1" || list[0].UnreadCount != 2 {
		t.Errorf("list = %+v", list)
	}
}

func TestRefreshToken(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL, identity)

	p, err := c.RefreshToken(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if p.AccessToken != "a2" || p.RefreshToken != "r2" || p.ExpiresAt.IsZero() {
		t.Errorf("pair = %+v", p)
	}

	if _, err := c.RefreshToken(context.Background(), "revoked"); !errors.Is(err, syncerr.ErrAuthExpired) {
		t.Errorf("revoked refresh err = %v, want ErrAuthExpired", err)
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, identity)
	c.SetTokenSource(staticToken("good"))

	_, err := c.FetchConversations(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("err = %v, want StatusError 502", err)
	}
}
