// Package dashboard keeps the live dashboard view of one identity: stats,
// appointments, the notification feed and the unread counter. It folds push
// events through the reconciliation engines and re-seeds from an
// authoritative snapshot after every handshake.
package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/bus"
	"github.com/matheus3301/bizsync/internal/dispatch"
	"github.com/matheus3301/bizsync/internal/metrics"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/reconcile"
	"github.com/matheus3301/bizsync/internal/syncerr"
	"github.com/matheus3301/bizsync/internal/transport"
)

// DefaultAckTimeout bounds getDashboardStats and markMessagesRead.
const DefaultAckTimeout = 8 * time.Second

// Journal persists the view between runs.
type Journal interface {
	SaveSnapshot(ctx context.Context, identity string, s model.StatsSnapshot) error
	LoadSnapshot(ctx context.Context, identity string) (model.StatsSnapshot, bool, error)
	SaveNotifications(ctx context.Context, identity string, feed []model.Notification) error
	LoadNotifications(ctx context.Context, identity string) ([]model.Notification, error)
	SaveUnread(ctx context.Context, identity string, u model.Unread) error
	LoadUnread(ctx context.Context, identity string) (model.Unread, error)
}

// StatsFetcher is the REST fallback for the authoritative snapshot.
type StatsFetcher interface {
	FetchDashboardStats(ctx context.Context) (model.StatsUpdate, error)
}

// View is a copy of the dashboard state.
type View struct {
	Stats             model.StatsSnapshot  `json:"stats"`
	AppointmentsCount int                  `json:"appointments_count"`
	Notifications     []model.Notification `json:"notifications"`
	Unread            model.Unread         `json:"unread"`
}

// Config wires a Surface.
type Config struct {
	Identity   model.Identity
	Dispatcher *dispatch.Dispatcher
	Journal    Journal
	Fetcher    StatsFetcher
	Bus        *bus.Bus
	Metrics    metrics.Recorder
	Logger     *zap.Logger
	AckTimeout time.Duration
}

// Surface is safe for concurrent use. Push handlers run on the connection's
// read goroutine; API calls may come from anywhere.
type Surface struct {
	identity model.Identity
	key      string
	disp     *dispatch.Dispatcher
	journal  Journal
	fetcher  StatsFetcher
	bus      *bus.Bus
	metrics  metrics.Recorder
	log      *zap.Logger
	timeout  time.Duration

	mu       sync.Mutex
	stats    model.StatsSnapshot
	feed     []model.Notification
	unread   model.Unread
	handlers []registration
}

type registration struct {
	event string
	id    dispatch.HandlerID
}

// New returns a Surface. Call Start to register its handlers.
func New(cfg Config) *Surface {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(false)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	return &Surface{
		identity: cfg.Identity,
		key:      cfg.Identity.Key(),
		disp:     cfg.Dispatcher,
		journal:  cfg.Journal,
		fetcher:  cfg.Fetcher,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		log:      cfg.Logger.With(zap.String("surface", "dashboard")),
		timeout:  cfg.AckTimeout,
		stats:    model.StatsSnapshot{Appointments: []model.Appointment{}},
	}
}

// Load restores the last persisted view. The first resync supersedes it.
func (s *Surface) Load(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	snap, ok, err := s.journal.LoadSnapshot(ctx, s.key)
	if err != nil {
		return err
	}
	feed, err := s.journal.LoadNotifications(ctx, s.key)
	if err != nil {
		return err
	}
	unread, err := s.journal.LoadUnread(ctx, s.key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if ok {
		s.stats = snap
	}
	s.feed = feed
	s.unread = unread
	s.mu.Unlock()

	s.log.Info("dashboard restored",
		zap.Bool("snapshot", ok),
		zap.Int("notifications", len(feed)),
		zap.Int("unread", unread.Count))
	return nil
}

// Start registers the push handlers on the dispatcher.
func (s *Surface) Start() {
	s.on(EventDashboardUpdate, s.onDashboardUpdate)
	s.on(EventAppointmentCreated, s.onAppointment)
	s.on(EventAppointmentUpdated, s.onAppointment)
	s.on(EventAllAppointmentsUpdated, s.onAllAppointments)
	s.on(EventReviewCreated, s.onReviewCreated)
	s.on(EventAllReviewsUpdated, s.onAllReviews)
	s.on(EventNewNotification, s.onNotification)
	s.on(EventNewMessage, s.onNotification)
	s.on(EventNewProposalCreated, s.onProposal)
	s.on(EventUnreadMessagesCount, s.onUnreadCount)
}

// Stop unregisters the handlers.
func (s *Surface) Stop() {
	s.mu.Lock()
	regs := s.handlers
	s.handlers = nil
	s.mu.Unlock()
	for _, r := range regs {
		s.disp.Off(r.event, r.id)
	}
}

func (s *Surface) on(event string, fn dispatch.Handler) {
	id := s.disp.On(event, fn)
	s.mu.Lock()
	s.handlers = append(s.handlers, registration{event: event, id: id})
	s.mu.Unlock()
}

// View returns a copy of the current state.
func (s *Surface) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Surface) viewLocked() View {
	stats := s.stats.Clone()
	return View{
		Stats:             stats,
		AppointmentsCount: stats.AppointmentsCount(),
		Notifications:     append([]model.Notification(nil), s.feed...),
		Unread:            s.unread,
	}
}

// Resync asks for an authoritative snapshot. It returns without waiting; the
// answer is applied from the ack callback. If the ack fails the REST endpoint
// is used instead.
func (s *Surface) Resync(ctx context.Context) {
	start := time.Now()
	_, _ = s.disp.EmitTimeout(ctx, EventGetDashboardStats, s.identity, s.timeout, func(data json.RawMessage, err error) {
		s.metrics.ObserveAck(EventGetDashboardStats, metrics.Outcome(err), time.Since(start))
		if err != nil {
			if errors.Is(err, syncerr.ErrCancelled) {
				return
			}
			s.log.Warn("stats snapshot not acknowledged, falling back to REST", zap.Error(err))
			go s.fetchSnapshot(ctx)
			return
		}
		var u model.StatsUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			s.malformed(syncerr.Malformed(reconcile.EngineStats, EventGetDashboardStats, err.Error()))
			return
		}
		s.applyStats(EventGetDashboardStats, reconcile.StatsFull{Update: u})
	})
}

func (s *Surface) fetchSnapshot(ctx context.Context) {
	if s.fetcher == nil {
		return
	}
	u, err := s.fetcher.FetchDashboardStats(ctx)
	if err != nil {
		s.log.Error("fetch dashboard stats", zap.Error(err))
		return
	}
	s.applyStats("rest", reconcile.StatsFull{Update: u})
}

// MarkNotificationRead clears the unread count of one feed entry.
func (s *Surface) MarkNotificationRead(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	feed, ok := reconcile.MarkNotificationRead(s.feed, key)
	if !ok {
		return false
	}
	s.feed = feed
	v := s.viewLocked()
	s.persistFeed(v)
	s.publish(v)
	return true
}

// MarkMessagesRead lowers the unread counter by n as a local guess and tells
// the server. The next unreadMessagesCount push replaces the guess.
func (s *Surface) MarkMessagesRead(ctx context.Context, conversationID string, n int) error {
	if n > 0 {
		s.applyUnread("markRead", reconcile.UnreadLocal{Delta: -n})
	}
	payload := map[string]string{"conversationId": conversationID}
	start := time.Now()
	_, err := s.disp.EmitTimeout(ctx, EventMarkMessagesRead, payload, s.timeout, func(data json.RawMessage, err error) {
		s.metrics.ObserveAck(EventMarkMessagesRead, metrics.Outcome(err), time.Since(start))
		if err != nil {
			s.log.Warn("markMessagesRead not acknowledged", zap.String("conversation", conversationID), zap.Error(err))
			return
		}
		if count, err := decodeCount(data); err == nil {
			s.applyUnread(EventMarkMessagesRead, reconcile.UnreadAuthoritative{Count: count})
		}
	})
	return err
}

func (s *Surface) onDashboardUpdate(f transport.Frame) {
	var u model.StatsUpdate
	if err := f.Bind(&u); err != nil {
		s.malformed(syncerr.Malformed(reconcile.EngineStats, f.Event, err.Error()))
		return
	}
	s.applyStats(f.Event, reconcile.StatsPartial{Update: u})
}

func (s *Surface) onAppointment(f transport.Frame) {
	var a model.Appointment
	if err := f.Bind(&a); err != nil {
		s.malformed(syncerr.Malformed(reconcile.EngineAppointments, f.Event, err.Error()))
		return
	}
	s.applyAppointment(f.Event, reconcile.AppointmentUpsert{Event: f.Event, Appointment: a})
}

func (s *Surface) onAllAppointments(f transport.Frame) {
	list, err := decodeAppointments(f.Data)
	if err != nil {
		s.malformed(syncerr.Malformed(reconcile.EngineAppointments, f.Event, err.Error()))
		return
	}
	s.applyAppointment(f.Event, reconcile.AppointmentsReplace{Appointments: list})
}

func (s *Surface) onReviewCreated(f transport.Frame) {
	by, err := decodeDelta(f.Data)
	if err != nil {
		s.malformed(syncerr.Malformed(reconcile.EngineStats, f.Event, err.Error()))
		return
	}
	s.applyStats(f.Event, reconcile.StatsDelta{Event: f.Event, Counter: reconcile.CounterReviews, By: by})
}

func (s *Surface) onAllReviews(f transport.Frame) {
	n, err := decodeReviews(f.Data)
	if err != nil {
		s.malformed(syncerr.Malformed(reconcile.EngineStats, f.Event, err.Error()))
		return
	}
	s.applyStats(f.Event, reconcile.StatsPartial{Update: model.StatsUpdate{Reviews: &n}})
}

func (s *Surface) onNotification(f transport.Frame) {
	n, err := decodeNotification(f.Data)
	if err != nil {
		s.malformed(syncerr.Malformed(reconcile.EngineNotifications, f.Event, err.Error()))
		return
	}
	s.applyNotification(f.Event, n)
}

func (s *Surface) onProposal(f transport.Frame) {
	n, err := decodeNotification(f.Data)
	if err != nil {
		s.malformed(syncerr.Malformed(reconcile.EngineNotifications, f.Event, err.Error()))
		return
	}
	s.applyNotification(f.Event, n)
	s.applyStats(f.Event, reconcile.StatsDelta{Event: f.Event, Counter: CounterProposals})
}

func (s *Surface) onUnreadCount(f transport.Frame) {
	n, err := decodeCount(f.Data)
	if err != nil {
		s.malformed(syncerr.Malformed(reconcile.EngineUnread, f.Event, err.Error()))
		return
	}
	s.applyUnread(f.Event, reconcile.UnreadAuthoritative{Count: n})
}

func (s *Surface) applyStats(event string, e reconcile.StatsEvent) {
	s.commit(event, s.persistStats, func() error {
		next, err := reconcile.ApplyStats(s.stats, e)
		if err == nil {
			s.stats = next
		}
		return err
	})
}

func (s *Surface) applyAppointment(event string, e reconcile.AppointmentEvent) {
	s.commit(event, s.persistStats, func() error {
		next, err := reconcile.ApplyAppointment(s.stats, e)
		if err == nil {
			s.stats = next
		}
		return err
	})
}

func (s *Surface) applyNotification(event string, n model.Notification) {
	s.commit(event, s.persistFeed, func() error {
		next, err := reconcile.ApplyNotification(s.feed, event, n)
		if err == nil {
			s.feed = next
		}
		return err
	})
}

func (s *Surface) applyUnread(event string, e reconcile.UnreadEvent) {
	s.commit(event, s.persistUnread, func() error {
		next, err := reconcile.ApplyUnread(s.unread, e)
		if err == nil {
			s.unread = next
		}
		return err
	})
}

// commit runs apply under the lock, then persists and publishes the new view
// before releasing it so concurrent writers land in order.
func (s *Surface) commit(event string, persist func(View), apply func() error) {
	s.mu.Lock()
	if err := apply(); err != nil {
		s.mu.Unlock()
		s.malformed(err)
		return
	}
	v := s.viewLocked()
	persist(v)
	s.publish(v)
	s.mu.Unlock()
	s.log.Debug("event applied",
		zap.String("event", event),
		zap.Int("appointments", v.AppointmentsCount),
		zap.Int("notifications", len(v.Notifications)),
		zap.Int("unread", v.Unread.Count))
}

// malformed logs and counts a dropped event. It never reaches the caller.
func (s *Surface) malformed(err error) {
	var me *syncerr.MalformedEventError
	if !errors.As(err, &me) {
		s.log.Error("reconcile failed", zap.Error(err))
		return
	}
	s.metrics.IncMalformed(me.Engine, me.Event)
	s.log.Warn("dropping malformed event",
		zap.String("engine", me.Engine),
		zap.String("event", me.Event),
		zap.String("reason", me.Reason))
	s.bus.Emit(bus.KindMalformedEvent, s.key, me)
}

func (s *Surface) publish(v View) {
	s.bus.Emit(bus.KindDashboardUpdated, s.key, v)
}

func (s *Surface) persistStats(v View) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveSnapshot(context.Background(), s.key, v.Stats); err != nil {
		s.log.Error("persist stats snapshot", zap.Error(err))
	}
}

func (s *Surface) persistFeed(v View) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveNotifications(context.Background(), s.key, v.Notifications); err != nil {
		s.log.Error("persist notifications", zap.Error(err))
	}
}

func (s *Surface) persistUnread(v View) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveUnread(context.Background(), s.key, v.Unread); err != nil {
		s.log.Error("persist unread count", zap.Error(err))
	}
}
