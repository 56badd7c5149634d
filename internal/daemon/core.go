package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/bus"
	"github.com/matheus3301/bizsync/internal/conn"
	"github.com/matheus3301/bizsync/internal/dashboard"
	"github.com/matheus3301/bizsync/internal/metrics"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/outbox"
	"github.com/matheus3301/bizsync/internal/rest"
	"github.com/matheus3301/bizsync/internal/room"
	"github.com/matheus3301/bizsync/internal/status"
	"github.com/matheus3301/bizsync/internal/store"
	intsync "github.com/matheus3301/bizsync/internal/sync"
)

// CoreDeps wires a Core.
type CoreDeps struct {
	Identity   model.Identity
	AckTimeout time.Duration
	Store      *store.DB
	REST       *rest.Client
	Manager    *conn.Manager
	Engine     *intsync.Engine
	Bus        *bus.Bus
	Metrics    metrics.Recorder
	Logger     *zap.Logger
	// OnFatal is called once if the connection ends on its own.
	OnFatal func(error)
}

// Core is one identity's live session: the connection handle and the three
// surfaces sharing it.
type Core struct {
	deps CoreDeps
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	handle    *conn.Handle
	dashboard *dashboard.Surface
	room      *room.Room
	outbox    *outbox.Queue
}

// NewCore returns a Core. Nothing connects until Start.
func NewCore(deps CoreDeps) *Core {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(false)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Core{
		deps:   deps,
		log:    deps.Logger.With(zap.String("component", "core")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens the connection, restores persisted state, registers every
// surface and seeds it from the server.
func (c *Core) Start(ctx context.Context) error {
	c.deps.Engine.Start(c.ctx)

	h, err := c.deps.Manager.Open(ctx, c.deps.Identity)
	if err != nil {
		c.deps.Engine.Stop()
		return fmt.Errorf("open connection: %w", err)
	}
	disp := h.Dispatcher()

	var (
		stats dashboard.StatsFetcher
		convs room.ConversationFetcher
	)
	if c.deps.REST != nil {
		stats, convs = c.deps.REST, c.deps.REST
	}

	dash := dashboard.New(dashboard.Config{
		Identity:   c.deps.Identity,
		Dispatcher: disp,
		Journal:    c.deps.Store,
		Fetcher:    stats,
		Bus:        c.deps.Bus,
		Metrics:    c.deps.Metrics,
		Logger:     c.deps.Logger,
		AckTimeout: c.deps.AckTimeout,
	})
	if err := dash.Load(ctx); err != nil {
		c.log.Warn("restore dashboard", zap.Error(err))
	}

	rm := room.New(room.Config{
		Identity:   c.deps.Identity,
		Dispatcher: disp,
		Journal:    c.deps.Store,
		Recorder:   c.deps.Engine,
		Fetcher:    convs,
		Unread:     dash,
		Bus:        c.deps.Bus,
		Metrics:    c.deps.Metrics,
		Logger:     c.deps.Logger,
		AckTimeout: c.deps.AckTimeout,
	})
	if err := rm.Load(ctx); err != nil {
		c.log.Warn("restore conversations", zap.Error(err))
	}

	q := outbox.NewQueue(outbox.Config{
		Identity:   c.deps.Identity,
		Dispatcher: disp,
		Pane:       rm,
		Journal:    c.deps.Store,
		Bus:        c.deps.Bus,
		Metrics:    c.deps.Metrics,
		Logger:     c.deps.Logger,
		AckTimeout: c.deps.AckTimeout,
	})
	if err := q.Recover(ctx); err != nil {
		c.log.Warn("recover outbox", zap.Error(err))
	}

	dash.Start()
	rm.Start()
	h.AddResyncer(dash)
	h.AddResyncer(rm)

	c.mu.Lock()
	c.handle, c.dashboard, c.room, c.outbox = h, dash, rm, q
	c.mu.Unlock()

	// Pushes that raced the handler registration are covered by this seed.
	dash.Resync(c.ctx)
	if err := rm.Seed(ctx); err != nil {
		c.log.Warn("initial conversation seed failed", zap.Error(err))
	}

	go c.watch(h)
	c.log.Info("session started", zap.String("identity", c.deps.Identity.Key()))
	return nil
}

func (c *Core) watch(h *conn.Handle) {
	select {
	case err := <-h.Err():
		if c.deps.OnFatal != nil {
			c.deps.OnFatal(err)
		}
	case <-c.ctx.Done():
	}
}

// Stop unregisters the surfaces and closes the connection.
func (c *Core) Stop() {
	c.cancel()

	c.mu.RLock()
	h, dash, rm := c.handle, c.dashboard, c.room
	c.mu.RUnlock()

	if rm != nil {
		rm.Stop()
	}
	if dash != nil {
		dash.Stop()
	}
	if h != nil {
		if err := c.deps.Manager.Close(h); err != nil {
			c.log.Warn("close connection", zap.Error(err))
		}
	}
	c.deps.Engine.Stop()
}

// State reports the connection state, Disconnected before Start.
func (c *Core) State() status.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.handle == nil {
		return status.Disconnected
	}
	return c.handle.State()
}

// Dashboard returns the dashboard surface, nil before Start.
func (c *Core) Dashboard() *dashboard.Surface {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dashboard
}

// Room returns the conversation room, nil before Start.
func (c *Core) Room() *room.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// Outbox returns the send queue, nil before Start.
func (c *Core) Outbox() *outbox.Queue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outbox
}
