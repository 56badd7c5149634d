// Package outbox implements optimistic sending: a message is visible the
// moment it is queued and is resolved in place when its ack arrives.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/bus"
	"github.com/matheus3301/bizsync/internal/dispatch"
	"github.com/matheus3301/bizsync/internal/metrics"
	"github.com/matheus3301/bizsync/internal/model"
)

// EventSendMessage is emitted with ack for every queued message.
const EventSendMessage = "sendMessage"

// DefaultAckTimeout is how long a message may stay PENDING.
const DefaultAckTimeout = 8 * time.Second

// ReasonInterrupted marks messages left PENDING by a previous run.
const ReasonInterrupted = "interrupted before acknowledgement"

var (
	ErrNoConversation = errors.New("no conversation joined")
	ErrEmptyMessage   = errors.New("message has neither text nor file")
	ErrNotFound       = errors.New("outgoing message not found")
	ErrNotFailed      = errors.New("only failed messages can be retried")
)

// Journal persists the queue.
type Journal interface {
	InsertOutgoing(ctx context.Context, identity string, m model.OutgoingMessage) error
	UpdateOutgoing(ctx context.Context, m model.OutgoingMessage) error
	GetOutgoing(ctx context.Context, localID string) (model.OutgoingMessage, bool, error)
	ListOutgoing(ctx context.Context, identity, conversationID string) ([]model.OutgoingMessage, error)
	FailPendingOutgoing(ctx context.Context, identity, reason string) (int64, error)
}

// Pane is the open message view (the room).
type Pane interface {
	Active() (string, bool)
	AppendOutgoing(m model.OutgoingMessage) bool
	ResolveOutgoing(m model.OutgoingMessage)
}

// Config wires a Queue.
type Config struct {
	Identity   model.Identity
	Dispatcher *dispatch.Dispatcher
	Pane       Pane
	Journal    Journal
	Bus        *bus.Bus
	Metrics    metrics.Recorder
	Logger     *zap.Logger
	AckTimeout time.Duration
	Now        func() time.Time
}

// Queue resolves every entry independently by local id, whatever order the
// acks come back in.
type Queue struct {
	identity model.Identity
	key      string
	disp     *dispatch.Dispatcher
	pane     Pane
	journal  Journal
	bus      *bus.Bus
	metrics  metrics.Recorder
	log      *zap.Logger
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*model.OutgoingMessage
}

// ackPayload is the server's answer to sendMessage.
type ackPayload struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// NewQueue returns a Queue.
func NewQueue(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(false)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		identity: cfg.Identity,
		key:      cfg.Identity.Key(),
		disp:     cfg.Dispatcher,
		pane:     cfg.Pane,
		journal:  cfg.Journal,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		log:      cfg.Logger.With(zap.String("component", "outbox")),
		timeout:  cfg.AckTimeout,
		now:      cfg.Now,
		entries:  make(map[string]*model.OutgoingMessage),
	}
}

// Recover fails entries a previous run left PENDING; their acks are gone.
func (q *Queue) Recover(ctx context.Context) error {
	if q.journal == nil {
		return nil
	}
	n, err := q.journal.FailPendingOutgoing(ctx, q.key, ReasonInterrupted)
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	if n > 0 {
		q.log.Warn("failed messages left pending by a previous run", zap.Int64("count", n))
	}
	return nil
}

// Send queues a message for the joined conversation and returns its local id
// at once. The outcome arrives later as DELIVERED or FAILED.
func (q *Queue) Send(ctx context.Context, text, fileRef string) (string, error) {
	if q.pane == nil {
		return "", ErrNoConversation
	}
	conversationID, ok := q.pane.Active()
	if !ok {
		return "", ErrNoConversation
	}
	return q.send(ctx, conversationID, text, fileRef)
}

// Retry sends a FAILED message again under a new local id. The failed entry
// stays as it is.
func (q *Queue) Retry(ctx context.Context, localID string) (string, error) {
	m, ok := q.Get(localID)
	if !ok && q.journal != nil {
		var err error
		if m, ok, err = q.journal.GetOutgoing(ctx, localID); err != nil {
			return "", err
		}
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", localID, ErrNotFound)
	}
	if m.State != model.SendFailed {
		return "", fmt.Errorf("%s is %s: %w", localID, m.State, ErrNotFailed)
	}
	q.log.Info("retrying message", zap.String("local_id", localID))
	return q.send(ctx, m.ConversationID, m.Text, m.FileRef)
}

// Get returns an entry sent by this process.
func (q *Queue) Get(localID string) (model.OutgoingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[localID]
	if !ok {
		return model.OutgoingMessage{}, false
	}
	return *e, true
}

// List returns the journal of a conversation in creation order.
func (q *Queue) List(ctx context.Context, conversationID string) ([]model.OutgoingMessage, error) {
	if q.journal == nil {
		return nil, nil
	}
	return q.journal.ListOutgoing(ctx, q.key, conversationID)
}

func (q *Queue) send(ctx context.Context, conversationID, text, fileRef string) (string, error) {
	if text == "" && fileRef == "" {
		return "", ErrEmptyMessage
	}
	m := model.OutgoingMessage{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		Text:           text,
		FileRef:        fileRef,
		State:          model.SendPending,
		CreatedAt:      q.now().UnixMilli(),
	}

	q.mu.Lock()
	q.entries[m.LocalID] = &m
	q.mu.Unlock()

	if q.journal != nil {
		if err := q.journal.InsertOutgoing(ctx, q.key, m); err != nil {
			q.log.Error("journal outgoing message", zap.Error(err), zap.String("local_id", m.LocalID))
		}
	}
	if q.pane != nil {
		q.pane.AppendOutgoing(m)
	}
	q.metrics.IncSend(string(model.SendPending))
	q.bus.Emit(bus.KindSendPending, q.key, m)

	payload := map[string]string{
		"conversationId": conversationID,
		"text":           text,
		"fileRef":        fileRef,
		"localId":        m.LocalID,
	}
	start := time.Now()
	localID := m.LocalID
	// A write failure reaches the callback too, so the entry is FAILED
	// either way and the caller still gets its id.
	_, _ = q.disp.EmitTimeout(ctx, EventSendMessage, payload, q.timeout, func(data json.RawMessage, err error) {
		q.metrics.ObserveAck(EventSendMessage, metrics.Outcome(err), time.Since(start))
		q.resolve(localID, data, err)
	})
	return localID, nil
}

func (q *Queue) resolve(localID string, data json.RawMessage, ackErr error) {
	q.mu.Lock()
	e, ok := q.entries[localID]
	if !ok || e.State != model.SendPending {
		q.mu.Unlock()
		return
	}
	if ackErr == nil {
		var ack ackPayload
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ack); err != nil {
				q.log.Warn("unreadable sendMessage ack", zap.String("local_id", localID), zap.Error(err))
			}
		}
		e.State = model.SendDelivered
		e.ServerID = ack.ID
		if e.ServerID == "" {
			e.ServerID = ack.MessageID
		}
		e.Timestamp = ack.Timestamp
		if e.Timestamp == 0 {
			e.Timestamp = e.CreatedAt
		}
	} else {
		e.State = model.SendFailed
		e.Error = ackErr.Error()
	}
	m := *e
	q.mu.Unlock()

	if q.journal != nil {
		if err := q.journal.UpdateOutgoing(context.Background(), m); err != nil {
			q.log.Error("journal message outcome", zap.Error(err), zap.String("local_id", localID))
		}
	}
	if q.pane != nil {
		q.pane.ResolveOutgoing(m)
	}
	q.metrics.IncSend(string(m.State))

	if m.State == model.SendDelivered {
		q.log.Info("message delivered", zap.String("local_id", localID), zap.String("server_id", m.ServerID))
		q.bus.Emit(bus.KindSendAck, q.key, m)
		return
	}
	q.log.Warn("message failed", zap.String("local_id", localID), zap.Error(ackErr))
	q.bus.Emit(bus.KindSendFailed, q.key, m)
}
