package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/bizsync/internal/bus"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/status"
	"github.com/matheus3301/bizsync/internal/store"
	"go.uber.org/zap"
)

// KindMessageStored is published after a chat message reached the database.
const KindMessageStored = "sync.message_stored"

// Checkpoint keys written by the engine.
const (
	CheckpointConnectedAt = "last_connected_at"
	CheckpointSeededAt    = "last_seeded_at"
)

// Engine persists what the room surface produces. Chat messages and previews
// are written synchronously by the room through IngestMessage and
// IngestPreview; seeded conversation lists and connection checkpoints arrive
// over the bus. Every write is idempotent, so a replayed event is harmless.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	reconciler *Reconciler
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		bus:        b,
		reconciler: NewReconciler(db, logger),
		logger:     logger,
	}
}

// Reconciler returns the checkpoint store the engine writes to.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// Start subscribes to seeded conversation lists and connection state on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	rooms, unsubRooms := e.bus.Subscribe(bus.KindRoomSeeded, 16)
	conns, unsubConns := e.bus.Subscribe(bus.KindStateChanged, 16)

	go func() {
		defer close(e.done)
		defer unsubRooms()
		defer unsubConns()
		for {
			select {
			case evt := <-rooms:
				e.handleEvent(ctx, evt)
			case evt := <-conns:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindRoomSeeded:
		list, ok := evt.Payload.([]model.ConversationPreview)
		if !ok {
			return
		}
		if err := e.IngestConversations(ctx, evt.Identity, list); err != nil {
			e.logger.Error("failed to store conversation list", zap.Error(err), zap.Int("count", len(list)))
		} else {
			e.logger.Info("conversation list stored", zap.Int("conversations", len(list)))
		}
	case bus.KindStateChanged:
		c, ok := evt.Payload.(status.StatusChange)
		if !ok || c.To != status.Connected {
			return
		}
		ts := strconv.FormatInt(evt.Timestamp.UnixMilli(), 10)
		if err := e.reconciler.UpdateCheckpoint(ctx, evt.Identity, CheckpointConnectedAt, ts); err != nil {
			e.logger.Error("failed to record connection checkpoint", zap.Error(err))
		}
	}
}

// IngestMessage stores a single chat message (idempotent).
func (e *Engine) IngestMessage(ctx context.Context, identity string, msg model.ChatMessage) error {
	if err := e.db.UpsertMessage(ctx, identity, msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.bus.Publish(bus.Event{
		Kind:     KindMessageStored,
		Identity: identity,
		Payload: map[string]string{
			"conversation_id": msg.ConversationID,
			"msg_id":          msg.ID,
		},
	})
	return nil
}

// IngestPreview stores one conversation preview (idempotent).
func (e *Engine) IngestPreview(ctx context.Context, identity string, p model.ConversationPreview) error {
	if err := e.db.UpsertConversation(ctx, identity, p); err != nil {
		return fmt.Errorf("upsert conversation %s: %w", p.ConversationID, err)
	}
	return nil
}

// IngestConversations replaces the stored conversation list and records when
// it was seeded.
func (e *Engine) IngestConversations(ctx context.Context, identity string, list []model.ConversationPreview) error {
	if err := e.db.SaveConversations(ctx, identity, list); err != nil {
		return fmt.Errorf("save conversations: %w", err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return e.reconciler.UpdateCheckpoint(ctx, identity, CheckpointSeededAt, ts)
}
