// Package room manages the conversation a surface has open: which room is
// joined on the server, the message pane of that room and the conversation
// list previews.
package room

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/bus"
	"github.com/matheus3301/bizsync/internal/dispatch"
	"github.com/matheus3301/bizsync/internal/metrics"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/syncerr"
	"github.com/matheus3301/bizsync/internal/transport"
)

// Wire events.
const (
	EventNewMessage        = "newMessage"
	EventGetConversations  = "getConversations"
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
)

// DefaultAckTimeout bounds joinConversation and getConversations.
const DefaultAckTimeout = 8 * time.Second

// paneHistory is how many persisted messages a freshly joined pane shows.
const paneHistory = 200

// ErrNoConversation is returned by operations that need a joined conversation.
var ErrNoConversation = errors.New("no conversation joined")

// Journal reads persisted history.
type Journal interface {
	LoadConversations(ctx context.Context, identity string) ([]model.ConversationPreview, error)
	ListMessages(ctx context.Context, identity, conversationID string, limit int) ([]model.ChatMessage, error)
	ListOutgoing(ctx context.Context, identity, conversationID string) ([]model.OutgoingMessage, error)
}

// Recorder persists chat messages and previews as they happen.
type Recorder interface {
	IngestMessage(ctx context.Context, identity string, m model.ChatMessage) error
	IngestPreview(ctx context.Context, identity string, p model.ConversationPreview) error
}

// ConversationFetcher is the REST fallback for the conversation list.
type ConversationFetcher interface {
	FetchConversations(ctx context.Context) ([]model.ConversationPreview, error)
}

// UnreadSink receives read receipts (the dashboard's unread counter).
type UnreadSink interface {
	MarkMessagesRead(ctx context.Context, conversationID string, n int) error
}

// Config wires a Room.
type Config struct {
	Identity   model.Identity
	Dispatcher *dispatch.Dispatcher
	Journal    Journal
	Recorder   Recorder
	Fetcher    ConversationFetcher
	Unread     UnreadSink
	Bus        *bus.Bus
	Metrics    metrics.Recorder
	Logger     *zap.Logger
	AckTimeout time.Duration
}

// Room holds at most one joined conversation.
type Room struct {
	identity model.Identity
	key      string
	disp     *dispatch.Dispatcher
	journal  Journal
	recorder Recorder
	fetcher  ConversationFetcher
	unread   UnreadSink
	bus      *bus.Bus
	metrics  metrics.Recorder
	log      *zap.Logger
	timeout  time.Duration

	// selectMu serializes SelectConversation and Leave.
	selectMu sync.Mutex

	mu       sync.Mutex
	session  model.ConversationSession
	lastErr  string
	pane     pane
	previews map[string]model.ConversationPreview
	handler  dispatch.HandlerID
}

// State is a copy of the room for callers outside the package.
type State struct {
	Session model.ConversationSession `json:"session"`
	Error   string                    `json:"error,omitempty"`
	Pane    []Entry                   `json:"pane"`
}

// New returns a Room. Call Start to register its handlers.
func New(cfg Config) *Room {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(false)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	return &Room{
		identity: cfg.Identity,
		key:      cfg.Identity.Key(),
		disp:     cfg.Dispatcher,
		journal:  cfg.Journal,
		recorder: cfg.Recorder,
		fetcher:  cfg.Fetcher,
		unread:   cfg.Unread,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		log:      cfg.Logger.With(zap.String("surface", "room")),
		timeout:  cfg.AckTimeout,
		previews: make(map[string]model.ConversationPreview),
	}
}

// Start registers the chat message handler.
func (r *Room) Start() {
	id := r.disp.On(EventNewMessage, r.onMessage)
	r.mu.Lock()
	r.handler = id
	r.mu.Unlock()
}

// Stop unregisters the handler.
func (r *Room) Stop() {
	r.mu.Lock()
	id := r.handler
	r.handler = 0
	r.mu.Unlock()
	if id != 0 {
		r.disp.Off(EventNewMessage, id)
	}
}

// Load restores the persisted conversation list.
func (r *Room) Load(ctx context.Context) error {
	if r.journal == nil {
		return nil
	}
	list, err := r.journal.LoadConversations(ctx, r.key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, p := range list {
		r.previews[p.ConversationID] = p
	}
	r.mu.Unlock()
	r.log.Info("conversations restored", zap.Int("count", len(list)))
	return nil
}

// State returns the session, last join error and pane.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{Session: r.session, Error: r.lastErr, Pane: r.pane.snapshot()}
}

// Active returns the joined conversation.
func (r *Room) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.ConversationID, r.session.Joined
}

// Previews returns the conversation list, most recent first.
func (r *Room) Previews() []model.ConversationPreview {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.previewsLocked()
}

func (r *Room) previewsLocked() []model.ConversationPreview {
	out := make([]model.ConversationPreview, 0, len(r.previews))
	for _, p := range r.previews {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b model.ConversationPreview) int {
		if c := cmp.Compare(b.LastMessageAt, a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConversationID, b.ConversationID)
	})
	return out
}

// SelectConversation leaves the joined conversation, if any, and joins
// conversationID. The leave is confirmed locally; the join waits for its ack.
// A failed join leaves no conversation joined.
func (r *Room) SelectConversation(ctx context.Context, conversationID, partnerID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	r.mu.Lock()
	cur := r.session
	r.mu.Unlock()
	if cur.Joined && cur.ConversationID == conversationID {
		return nil
	}
	if cur.Joined {
		r.leave(ctx, cur.ConversationID)
	}

	r.mu.Lock()
	r.session = model.ConversationSession{ConversationID: conversationID, PartnerID: partnerID}
	r.lastErr = ""
	r.pane.reset(nil)
	r.mu.Unlock()

	payload := map[string]string{"conversationId": conversationID, "partnerId": partnerID}
	if err := r.emitWait(ctx, EventJoinConversation, payload); err != nil {
		r.mu.Lock()
		r.session = model.ConversationSession{}
		r.lastErr = err.Error()
		p, unread := r.dropBufferedLocked(conversationID)
		st := r.stateLocked()
		r.mu.Unlock()
		r.log.Warn("join failed", zap.String("conversation", conversationID), zap.Error(err))
		if unread > 0 {
			r.previewChanged(context.Background(), p)
		}
		r.bus.Emit(bus.KindRoomChanged, r.key, st)
		return fmt.Errorf("join %s: %w", conversationID, err)
	}

	entries := r.loadHistory(ctx, conversationID)
	r.mu.Lock()
	r.session.Joined = true
	early := r.pane.entries
	r.pane.reset(entries)
	for _, e := range early {
		r.pane.addIncoming(e)
	}
	st := r.stateLocked()
	r.mu.Unlock()

	r.log.Info("conversation joined", zap.String("conversation", conversationID), zap.Int("history", len(entries)))
	r.bus.Emit(bus.KindRoomChanged, r.key, st)
	return nil
}

// Leave leaves the joined conversation, if any.
func (r *Room) Leave(ctx context.Context) {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()
	r.mu.Lock()
	cur := r.session
	r.mu.Unlock()
	if cur.Joined {
		r.leave(ctx, cur.ConversationID)
	}
}

// leave tells the server and drops the session without waiting for an answer.
func (r *Room) leave(ctx context.Context, conversationID string) {
	if _, err := r.disp.Emit(ctx, EventLeaveConversation, map[string]string{"conversationId": conversationID}, nil); err != nil {
		r.log.Debug("leave not sent", zap.String("conversation", conversationID), zap.Error(err))
	}
	r.mu.Lock()
	r.session = model.ConversationSession{}
	r.pane.reset(nil)
	st := r.stateLocked()
	r.mu.Unlock()
	r.bus.Emit(bus.KindRoomChanged, r.key, st)
}

// dropBufferedLocked empties the pane of a conversation whose join failed.
// The messages it buffered count as unread in the preview instead.
func (r *Room) dropBufferedLocked(conversationID string) (model.ConversationPreview, int) {
	p := r.previews[conversationID]
	unread := 0
	for _, e := range r.pane.entries {
		if !e.Outgoing {
			unread++
		}
	}
	r.pane.reset(nil)
	if unread > 0 {
		p.ConversationID = conversationID
		p.UnreadCount += unread
		r.previews[conversationID] = p
	}
	return p, unread
}

// previewChanged stores p and announces it.
func (r *Room) previewChanged(ctx context.Context, p model.ConversationPreview) {
	if r.recorder != nil {
		if err := r.recorder.IngestPreview(ctx, r.key, p); err != nil {
			r.log.Error("store preview", zap.String("conversation", p.ConversationID), zap.Error(err))
		}
	}
	r.bus.Emit(bus.KindPreviewUpdated, r.key, p)
}

func (r *Room) stateLocked() State {
	return State{Session: r.session, Error: r.lastErr, Pane: r.pane.snapshot()}
}

// emitWait emits with ack and blocks until the answer. It must never run on
// the connection's read goroutine.
func (r *Room) emitWait(ctx context.Context, event string, payload any) error {
	done := make(chan error, 1)
	start := time.Now()
	id, err := r.disp.EmitTimeout(ctx, event, payload, r.timeout, func(_ json.RawMessage, err error) {
		r.metrics.ObserveAck(event, metrics.Outcome(err), time.Since(start))
		done <- err
	})
	if err != nil {
		return err
	}
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		r.disp.Abort(id, ctx.Err())
		return <-done
	}
}

func (r *Room) loadHistory(ctx context.Context, conversationID string) []Entry {
	if r.journal == nil {
		return nil
	}
	msgs, err := r.journal.ListMessages(ctx, r.key, conversationID, paneHistory)
	if err != nil {
		r.log.Error("load message history", zap.Error(err))
	}
	out, err := r.journal.ListOutgoing(ctx, r.key, conversationID)
	if err != nil {
		r.log.Error("load outgoing journal", zap.Error(err))
	}
	return history(msgs, out, r.identity.ID)
}

func (r *Room) onMessage(f transport.Frame) {
	var m model.ChatMessage
	if err := f.Bind(&m); err != nil {
		r.log.Warn("dropping malformed chat message", zap.Error(err))
		return
	}
	r.HandleIncoming(m)
}

// HandleIncoming routes a server chat message: into the pane when it belongs
// to the joined conversation, otherwise only into the conversation preview.
func (r *Room) HandleIncoming(m model.ChatMessage) {
	if m.ID == "" || m.ConversationID == "" {
		r.log.Warn("dropping chat message without id or conversation", zap.String("id", m.ID))
		return
	}
	if r.recorder != nil {
		if err := r.recorder.IngestMessage(context.Background(), r.key, m); err != nil {
			r.log.Error("store chat message", zap.String("id", m.ID), zap.Error(err))
		}
	}
	r.bus.Emit(bus.KindRoomMessage, r.key, m)

	r.mu.Lock()
	// A conversation whose join is still in flight buffers into the pane too;
	// a failed join discards it.
	inPane := r.session.ConversationID == m.ConversationID
	if inPane {
		r.pane.addIncoming(incomingEntry(m, r.identity.ID))
	}
	p := r.previews[m.ConversationID]
	p.ConversationID = m.ConversationID
	if m.Timestamp >= p.LastMessageAt {
		p.LastMessage = m.Text
		p.LastMessageAt = m.Timestamp
	}
	if !inPane && m.SenderID != r.identity.ID {
		p.UnreadCount++
	}
	if p.PartnerID == "" && m.SenderID != r.identity.ID {
		p.PartnerID = m.SenderID
	}
	r.previews[m.ConversationID] = p
	var st State
	if inPane {
		st = r.stateLocked()
	}
	r.mu.Unlock()

	r.previewChanged(context.Background(), p)
	if inPane {
		r.bus.Emit(bus.KindRoomChanged, r.key, st)
	}
}

// AppendOutgoing shows a freshly queued message in the pane. It reports false
// when the message's conversation is not the joined one.
func (r *Room) AppendOutgoing(m model.OutgoingMessage) bool {
	r.mu.Lock()
	ok := r.session.Joined && r.session.ConversationID == m.ConversationID
	if ok {
		r.pane.addOutgoing(outgoingEntry(m))
	}
	r.mu.Unlock()
	return ok
}

// ResolveOutgoing updates a queued message in place after its ack.
func (r *Room) ResolveOutgoing(m model.OutgoingMessage) {
	r.mu.Lock()
	shown := r.pane.resolve(m)
	var p model.ConversationPreview
	delivered := m.State == model.SendDelivered
	if delivered {
		p = r.previews[m.ConversationID]
		p.ConversationID = m.ConversationID
		if m.Timestamp >= p.LastMessageAt {
			p.LastMessage = m.Text
			p.LastMessageAt = m.Timestamp
		}
		r.previews[m.ConversationID] = p
	}
	var st State
	if shown {
		st = r.stateLocked()
	}
	r.mu.Unlock()

	if delivered {
		r.previewChanged(context.Background(), p)
	}
	if shown {
		r.bus.Emit(bus.KindRoomChanged, r.key, st)
	}
}

// MarkRead clears the unread badge of the joined conversation and forwards
// the receipt to the unread counter.
func (r *Room) MarkRead(ctx context.Context) error {
	r.mu.Lock()
	if !r.session.Joined {
		r.mu.Unlock()
		return ErrNoConversation
	}
	id := r.session.ConversationID
	p := r.previews[id]
	n := p.UnreadCount
	p.ConversationID = id
	p.UnreadCount = 0
	r.previews[id] = p
	r.mu.Unlock()

	r.previewChanged(ctx, p)
	if r.unread == nil {
		return nil
	}
	return r.unread.MarkMessagesRead(ctx, id, n)
}

// Resync re-seeds the conversation list and rejoins the open conversation,
// whose server-side membership did not survive the reconnect. It never waits.
func (r *Room) Resync(ctx context.Context) {
	r.seed(ctx)

	r.mu.Lock()
	cur := r.session
	r.mu.Unlock()
	if !cur.Joined {
		return
	}
	payload := map[string]string{"conversationId": cur.ConversationID, "partnerId": cur.PartnerID}
	start := time.Now()
	_, _ = r.disp.EmitTimeout(ctx, EventJoinConversation, payload, r.timeout, func(_ json.RawMessage, err error) {
		r.metrics.ObserveAck(EventJoinConversation, metrics.Outcome(err), time.Since(start))
		if err == nil || errors.Is(err, syncerr.ErrCancelled) {
			return
		}
		r.mu.Lock()
		if r.session.ConversationID != cur.ConversationID {
			r.mu.Unlock()
			r.log.Debug("stale rejoin answer", zap.Error(syncerr.ErrRoomConflict))
			return
		}
		r.session = model.ConversationSession{}
		r.lastErr = err.Error()
		r.pane.reset(nil)
		st := r.stateLocked()
		r.mu.Unlock()
		r.log.Warn("rejoin failed", zap.String("conversation", cur.ConversationID), zap.Error(err))
		r.bus.Emit(bus.KindRoomChanged, r.key, st)
	})
}

// Seed fetches the conversation list and waits for it.
func (r *Room) Seed(ctx context.Context) error {
	var list []model.ConversationPreview
	done := make(chan error, 1)
	_, err := r.disp.EmitTimeout(ctx, EventGetConversations, r.identity, r.timeout, func(data json.RawMessage, err error) {
		if err == nil {
			list, err = decodeConversations(data)
		}
		done <- err
	})
	if err == nil {
		err = <-done
	}
	if err != nil {
		if r.fetcher == nil {
			return err
		}
		r.log.Warn("getConversations failed, falling back to REST", zap.Error(err))
		if list, err = r.fetcher.FetchConversations(ctx); err != nil {
			return err
		}
	}
	r.replacePreviews(list)
	return nil
}

// seed is Seed without waiting.
func (r *Room) seed(ctx context.Context) {
	start := time.Now()
	_, _ = r.disp.EmitTimeout(ctx, EventGetConversations, r.identity, r.timeout, func(data json.RawMessage, err error) {
		r.metrics.ObserveAck(EventGetConversations, metrics.Outcome(err), time.Since(start))
		if err == nil {
			var list []model.ConversationPreview
			if list, err = decodeConversations(data); err == nil {
				r.replacePreviews(list)
				return
			}
		}
		if errors.Is(err, syncerr.ErrCancelled) || r.fetcher == nil {
			return
		}
		r.log.Warn("getConversations failed, falling back to REST", zap.Error(err))
		go func() {
			list, err := r.fetcher.FetchConversations(ctx)
			if err != nil {
				r.log.Error("fetch conversations", zap.Error(err))
				return
			}
			r.replacePreviews(list)
		}()
	})
}

func (r *Room) replacePreviews(list []model.ConversationPreview) {
	r.mu.Lock()
	r.previews = make(map[string]model.ConversationPreview, len(list))
	for _, p := range list {
		if p.ConversationID == "" {
			continue
		}
		r.previews[p.ConversationID] = p
	}
	sorted := r.previewsLocked()
	r.mu.Unlock()
	r.log.Info("conversations seeded", zap.Int("count", len(sorted)))
	r.bus.Emit(bus.KindRoomSeeded, r.key, sorted)
}

// decodeConversations reads a bare array or {"conversations": [...]}.
func decodeConversations(data []byte) ([]model.ConversationPreview, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if data[0] == '[' {
		var list []model.ConversationPreview
		err := json.Unmarshal(data, &list)
		return list, err
	}
	var obj struct {
		Conversations []model.ConversationPreview `json:"conversations"`
	}
	err := json.Unmarshal(data, &obj)
	return obj.Conversations, err
}
