package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/bus"
	"github.com/matheus3301/bizsync/internal/dispatch"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/status"
	"github.com/matheus3301/bizsync/internal/syncerr"
	"github.com/matheus3301/bizsync/internal/transport"
)

// Handle is one open identity. Every push handler and ack callback runs on
// its single read goroutine, in wire order.
type Handle struct {
	id       string
	identity model.Identity
	mgr      *Manager
	log      *zap.Logger
	disp     *dispatch.Dispatcher
	machine  *status.Machine
	dialer   *transport.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	errCh  chan error
	done   chan struct{}

	mu        sync.Mutex
	conn      transport.Conn
	closed    bool
	resyncers []Resyncer

	// backlog holds frames read while waiting for the authenticate ack.
	// Only the read goroutine touches it.
	backlog []transport.Frame
}

func newHandle(m *Manager, identity model.Identity) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:       uuid.NewString(),
		identity: identity,
		mgr:      m,
		ctx:      ctx,
		cancel:   cancel,
		errCh:    make(chan error, 1),
		done:     make(chan struct{}),
	}
	h.log = m.log.With(zap.String("identity", identity.Key()), zap.String("handle", h.id))
	h.disp = dispatch.New(h.write, h.log)
	h.machine = status.NewMachine(identity.Key(), m.cfg.Bus)
	h.machine.OnChange(func(c status.StatusChange) {
		m.cfg.Metrics.SetState(identity.Key(), string(c.To))
		h.log.Info("connection state changed", zap.String("from", string(c.From)), zap.String("to", string(c.To)))
	})
	h.dialer = &transport.Dialer{
		Transport:        m.cfg.Transport,
		Backoff:          transport.NewBackoff(m.cfg.Backoff),
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		OnError:          h.onTransportError,
	}
	return h
}

// ID is unique per Open call.
func (h *Handle) ID() string { return h.id }

// Identity returns the identity the handle was opened for.
func (h *Handle) Identity() model.Identity { return h.identity }

// State returns the current connection state.
func (h *Handle) State() status.State { return h.machine.Current() }

// Dispatcher returns the handle's event dispatcher.
func (h *Handle) Dispatcher() *dispatch.Dispatcher { return h.disp }

// Err delivers the fatal error that ended the handle, if any. The owner must
// terminate the session when it fires.
func (h *Handle) Err() <-chan error { return h.errCh }

// Done is closed when the read goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// AddResyncer registers r for every future handshake. It does not run r now.
func (h *Handle) AddResyncer(r Resyncer) {
	h.mu.Lock()
	h.resyncers = append(h.resyncers, r)
	h.mu.Unlock()
}

func (h *Handle) start(ctx context.Context) error {
	if err := h.transition(status.Connecting); err != nil {
		return err
	}
	c, err := h.establish(ctx)
	if err != nil {
		h.fail(err)
		return err
	}
	if !h.attach(c) {
		return syncerr.ErrCancelled
	}
	if err := h.transition(status.Connected); err != nil {
		return err
	}
	go h.readLoop(c)
	return nil
}

// establish dials with the current credential. A credential rejection earns
// exactly one forced refresh; a second rejection is fatal.
func (h *Handle) establish(ctx context.Context) (transport.Conn, error) {
	cred, err := h.mgr.cfg.Credentials.ValidCredential(ctx)
	if err != nil {
		return nil, err
	}
	c, err := h.dialer.Dial(ctx, cred)
	var rej *transport.RejectedError
	if !errors.As(err, &rej) {
		return c, err
	}
	if !rej.CredentialRejected() {
		return nil, &syncerr.TransportError{Op: "handshake", Err: err}
	}

	h.log.Warn("handshake rejected, refreshing credential", zap.String("code", rej.Code))
	cred, err = h.mgr.cfg.Credentials.Refresh(ctx)
	if err != nil {
		return nil, asAuthExpired("refresh after rejected handshake", err)
	}
	c, err = h.dialer.Dial(ctx, cred)
	if errors.As(err, &rej) {
		return nil, &syncerr.AuthExpiredError{Reason: "credential rejected after refresh", Err: err}
	}
	return c, err
}

func (h *Handle) readLoop(c transport.Conn) {
	defer close(h.done)
	for {
		f, err := h.next(c)
		if err != nil {
			if errors.Is(err, transport.ErrMalformedFrame) {
				h.log.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			if h.isClosed() {
				return
			}
			h.log.Warn("connection lost", zap.Error(err))
			if c, err = h.reconnect(c, "drop"); err != nil {
				h.fail(err)
				return
			}
			continue
		}

		switch {
		case f.IsAck():
			h.disp.ResolveAck(f)
		case f.Event == transport.EventTokenExpired:
			if c, err = h.reauthenticate(c); err != nil {
				h.fail(err)
				return
			}
		case f.Event == transport.EventDisconnect:
			h.log.Warn("server closed the connection")
			if c, err = h.reconnect(c, "server_disconnect"); err != nil {
				h.fail(err)
				return
			}
		default:
			h.mgr.cfg.Metrics.IncEvent(f.Event)
			h.disp.Dispatch(f)
		}
	}
}

func (h *Handle) next(c transport.Conn) (transport.Frame, error) {
	if len(h.backlog) > 0 {
		f := h.backlog[0]
		h.backlog = h.backlog[1:]
		return f, nil
	}
	return c.Read(h.ctx)
}

// reconnect replaces a dropped socket: the old one is closed and its pending
// acks fail before a new one is dialed.
func (h *Handle) reconnect(old transport.Conn, reason string) (transport.Conn, error) {
	h.mgr.cfg.Metrics.IncReconnect(reason)
	if err := h.transition(status.Connecting); err != nil {
		return nil, err
	}
	h.detach(old, syncerr.ErrConnectionLost)

	c, err := h.establish(h.ctx)
	if err != nil {
		return nil, err
	}
	if !h.attach(c) {
		return nil, syncerr.ErrCancelled
	}
	if err := h.transition(status.Connected); err != nil {
		return nil, err
	}
	h.resync()
	return c, nil
}

// reauthenticate handles tokenExpired: refresh, then a full disconnect and
// reconnect with the new credential, then authenticate.
func (h *Handle) reauthenticate(old transport.Conn) (transport.Conn, error) {
	h.mgr.cfg.Metrics.IncReconnect("token_expired")
	if err := h.transition(status.Reauthenticating); err != nil {
		return nil, err
	}
	cred, err := h.mgr.cfg.Credentials.Refresh(h.ctx)
	if err != nil {
		return nil, asAuthExpired("refresh after tokenExpired", err)
	}
	h.detach(old, syncerr.ErrConnectionLost)

	c, err := h.dialer.Dial(h.ctx, cred)
	var rej *transport.RejectedError
	if errors.As(err, &rej) {
		return nil, &syncerr.AuthExpiredError{Reason: "refreshed credential rejected", Err: err}
	}
	if err != nil {
		return nil, err
	}
	if err := h.authenticate(c, cred); err != nil {
		c.Close()
		var ae *syncerr.AckError
		if errors.As(err, &ae) {
			return nil, &syncerr.AuthExpiredError{Reason: "authenticate refused", Err: err}
		}
		return nil, err
	}
	if !h.attach(c) {
		return nil, syncerr.ErrCancelled
	}
	if err := h.transition(status.Connected); err != nil {
		return nil, err
	}
	h.resync()
	return c, nil
}

// authenticate emits authenticate on c and reads until its ack, keeping any
// other frame for the read loop.
func (h *Handle) authenticate(c transport.Conn, cred string) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.mgr.cfg.AuthTimeout)
	defer cancel()

	f, err := transport.NewFrame(transport.EventAuthenticate, map[string]string{"token": cred})
	if err != nil {
		return err
	}
	f.ID = uint64(h.disp.Reserve())
	if err := c.Write(ctx, f); err != nil {
		return fmt.Errorf("write authenticate: %w", err)
	}
	for {
		g, err := c.Read(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrMalformedFrame) {
				continue
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return syncerr.ErrAckTimeout
			}
			return &syncerr.TransportError{Op: "authenticate", Err: err}
		}
		if g.Ack != f.ID {
			h.backlog = append(h.backlog, g)
			continue
		}
		if g.Error != "" {
			return &syncerr.AckError{Event: transport.EventAuthenticate, Message: g.Error}
		}
		return nil
	}
}

func (h *Handle) resync() {
	h.mu.Lock()
	rs := append([]Resyncer(nil), h.resyncers...)
	h.mu.Unlock()
	for _, r := range rs {
		r.Resync(h.ctx)
	}
}

func (h *Handle) write(ctx context.Context, f transport.Frame) error {
	h.mu.Lock()
	c := h.conn
	h.mu.Unlock()
	if c == nil {
		return syncerr.ErrNotConnected
	}
	return c.Write(ctx, f)
}

func (h *Handle) attach(c transport.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.Close()
		return false
	}
	h.conn = c
	return true
}

func (h *Handle) detach(c transport.Conn, pendingErr error) {
	h.mu.Lock()
	if h.conn == c {
		h.conn = nil
	}
	h.mu.Unlock()
	c.Close()
	h.disp.CancelPending(pendingErr)
}

// transition moves the state machine unless the handle is closed. Once
// teardown has run the handle stays DISCONNECTED.
func (h *Handle) transition(to status.State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return syncerr.ErrCancelled
	}
	return h.machine.Transition(to)
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) onTransportError(err *syncerr.TransportError) {
	h.log.Warn("transport error", zap.Error(err))
	h.mgr.cfg.Bus.Emit(bus.KindTransportError, h.identity.Key(), err.Error())
	if h.mgr.cfg.OnError != nil {
		h.mgr.cfg.OnError(h.identity, err)
	}
}

// Close unsubscribes every handler, cancels pending acks, closes the socket
// and ends in DISCONNECTED.
func (h *Handle) Close() error {
	if !h.teardown(syncerr.ErrCancelled) {
		return nil
	}
	h.log.Info("connection closed")
	return nil
}

// fail ends the handle on an unrecoverable error and reports it on Err.
func (h *Handle) fail(err error) {
	if h.isClosed() {
		return
	}
	if errors.Is(err, syncerr.ErrAuthExpired) {
		h.log.Error("session expired", zap.Error(err))
		if ierr := h.mgr.cfg.Credentials.InvalidateSession(context.Background()); ierr != nil {
			h.log.Warn("invalidate session", zap.Error(ierr))
		}
		h.mgr.cfg.Bus.Emit(bus.KindSessionExpired, h.identity.Key(), err.Error())
	} else {
		h.log.Error("connection failed", zap.Error(err))
	}
	if !h.teardown(err) {
		return
	}
	select {
	case h.errCh <- err:
	default:
	}
}

func (h *Handle) teardown(pendingErr error) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	c := h.conn
	h.conn = nil
	h.mu.Unlock()

	h.disp.Reset()
	h.disp.CancelPending(pendingErr)
	h.cancel()
	if c != nil {
		c.Close()
	}
	if err := h.machine.Transition(status.Disconnected); err != nil {
		h.log.Warn("transition to disconnected", zap.Error(err))
	}
	h.mgr.release(h)
	return true
}

func asAuthExpired(reason string, err error) error {
	if errors.Is(err, syncerr.ErrAuthExpired) {
		return err
	}
	return &syncerr.AuthExpiredError{Reason: reason, Err: err}
}
