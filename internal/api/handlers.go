package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/outbox"
	"github.com/matheus3301/bizsync/internal/room"
	"github.com/matheus3301/bizsync/internal/status"
	intsync "github.com/matheus3301/bizsync/internal/sync"
	"github.com/matheus3301/bizsync/internal/syncerr"
)

// Response is the envelope of every reply.
type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StatusReport is the body of GET /status.
type StatusReport struct {
	Session     string         `json:"session"`
	Identity    model.Identity `json:"identity"`
	State       status.State   `json:"state"`
	ConnectedAt *time.Time     `json:"connectedAt,omitempty"`
	SeededAt    *time.Time     `json:"seededAt,omitempty"`
}

// SelectRequest is the body of POST /conversations/{id}/select.
type SelectRequest struct {
	PartnerID string `json:"partnerId"`
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	Text    string `json:"text"`
	FileRef string `json:"fileRef,omitempty"`
}

// SendResult answers POST /messages and retries.
type SendResult struct {
	LocalID string `json:"localId"`
}

type handlers struct {
	deps Deps
	log  *zap.Logger
}

func (h *handlers) writeJSON(w http.ResponseWriter, code int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Status: "ok", Data: raw})
}

func (h *handlers) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		h.log.Warn("request failed", zap.Int("code", code), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Status: "error", Message: err.Error()})
}

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	var ackErr *syncerr.AckError
	switch {
	case errors.Is(err, outbox.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, outbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, outbox.ErrNoConversation), errors.Is(err, room.ErrNoConversation),
		errors.Is(err, outbox.ErrNotFailed), errors.Is(err, syncerr.ErrRoomConflict):
		return http.StatusConflict
	case errors.Is(err, syncerr.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, syncerr.ErrAckTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &ackErr), errors.Is(err, syncerr.ErrConnectionLost),
		errors.Is(err, syncerr.ErrNotConnected), errors.Is(err, syncerr.ErrCancelled):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// logRequests logs every request once it is answered. It sits outside
// middleware.Recoverer so a recovered panic is logged with its 500.
func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("code", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			h.log.Warn("request", fields...)
			return
		}
		h.log.Debug("request", fields...)
	})
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	report := StatusReport{
		Session:  h.deps.Session,
		Identity: h.deps.Identity,
		State:    status.Disconnected,
	}
	if h.deps.Connection != nil {
		report.State = h.deps.Connection()
	}
	if h.deps.Checkpoints != nil {
		key := h.deps.Identity.Key()
		if t, ok, err := h.deps.Checkpoints.CheckpointTime(r.Context(), key, intsync.CheckpointConnectedAt); err == nil && ok {
			report.ConnectedAt = &t
		}
		if t, ok, err := h.deps.Checkpoints.CheckpointTime(r.Context(), key, intsync.CheckpointSeededAt); err == nil && ok {
			report.SeededAt = &t
		}
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *handlers) getDashboard(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Dashboard.View())
}

func (h *handlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !h.deps.Dashboard.MarkNotificationRead(key) {
		h.writeError(w, http.StatusNotFound, errors.New("notification not found"))
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Dashboard.View().Notifications)
}

func (h *handlers) listConversations(w http.ResponseWriter, _ *http.Request) {
	list := h.deps.Room.Previews()
	if list == nil {
		list = []model.ConversationPreview{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *handlers) selectConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Room.SelectConversation(r.Context(), id, req.PartnerID); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Room.State())
}

func (h *handlers) markConversationRead(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Room.MarkRead(r.Context()); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Dashboard.View().Unread)
}

// listMessages returns the open pane, or the outgoing journal of the
// conversation named by ?conversation=.
func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("conversation"); id != "" {
		list, err := h.deps.Outbox.List(r.Context(), id)
		if err != nil {
			h.writeError(w, statusFor(err), err)
			return
		}
		if list == nil {
			list = []model.OutgoingMessage{}
		}
		h.writeJSON(w, http.StatusOK, list)
		return
	}
	st := h.deps.Room.State()
	if st.Session.ConversationID == "" {
		h.writeError(w, http.StatusConflict, room.ErrNoConversation)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.deps.Outbox.Send(r.Context(), req.Text, req.FileRef)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, SendResult{LocalID: id})
}

func (h *handlers) getMessage(w http.ResponseWriter, r *http.Request) {
	m, ok := h.deps.Outbox.Get(chi.URLParam(r, "localID"))
	if !ok {
		h.writeError(w, http.StatusNotFound, outbox.ErrNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *handlers) retryMessage(w http.ResponseWriter, r *http.Request) {
	id, err := h.deps.Outbox.Retry(r.Context(), chi.URLParam(r, "localID"))
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, SendResult{LocalID: id})
}
