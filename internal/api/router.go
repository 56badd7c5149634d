// Package api is the daemon's local control surface: a chi router served on
// the session's Unix socket and consumed by bizsyncctl.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/dashboard"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/room"
	"github.com/matheus3301/bizsync/internal/status"
)

// Dashboard is the subset of *dashboard.Surface the API serves.
type Dashboard interface {
	View() dashboard.View
	MarkNotificationRead(key string) bool
}

// Room is the subset of *room.Room the API serves.
type Room interface {
	State() room.State
	Previews() []model.ConversationPreview
	SelectConversation(ctx context.Context, conversationID, partnerID string) error
	MarkRead(ctx context.Context) error
}

// Outbox is the subset of *outbox.Queue the API serves.
type Outbox interface {
	Send(ctx context.Context, text, fileRef string) (string, error)
	Retry(ctx context.Context, localID string) (string, error)
	Get(localID string) (model.OutgoingMessage, bool)
	List(ctx context.Context, conversationID string) ([]model.OutgoingMessage, error)
}

// Checkpoints reads sync checkpoints.
type Checkpoints interface {
	CheckpointTime(ctx context.Context, identity, key string) (time.Time, bool, error)
}

// Deps holds everything the handlers need. Connection reports the live
// handle's state; it returns Disconnected before the first handshake.
type Deps struct {
	Session     string
	Identity    model.Identity
	Connection  func() status.State
	Dashboard   Dashboard
	Room        Room
	Outbox      Outbox
	Checkpoints Checkpoints
	Metrics     http.Handler
	Logger      *zap.Logger
}

// NewRouter sets up all routes.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &handlers{deps: deps, log: deps.Logger.With(zap.String("component", "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/status", h.getStatus)
	r.Get("/dashboard", h.getDashboard)
	r.Post("/notifications/{key}/read", h.markNotificationRead)

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.listConversations)
		r.Post("/read", h.markConversationRead)
		r.Post("/{id}/select", h.selectConversation)
	})

	r.Route("/messages", func(r chi.Router) {
		r.Get("/", h.listMessages)
		r.Post("/", h.sendMessage)
		r.Get("/{localID}", h.getMessage)
		r.Post("/{localID}/retry", h.retryMessage)
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	return r
}
