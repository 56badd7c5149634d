// Package dispatch maps server event names to handlers for one connection
// and correlates emits with their acknowledgements.
package dispatch

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/syncerr"
	"github.com/matheus3301/bizsync/internal/transport"
)

// Handler receives a push event. Handlers run on the connection's read
// goroutine and must not wait on acknowledgements.
type Handler func(transport.Frame)

// AckFunc receives the outcome of an emit exactly once: the server's payload,
// or an error (*syncerr.AckError, a write failure, ErrAckTimeout,
// ErrConnectionLost or ErrCancelled).
type AckFunc func(data json.RawMessage, err error)

// HandlerID identifies a registration for Off.
type HandlerID uint64

// AckID identifies a pending emit for Abort.
type AckID uint64

// WriteFunc writes a frame on the current physical connection.
type WriteFunc func(ctx context.Context, f transport.Frame) error

type entry struct {
	id HandlerID
	fn Handler
}

type pending struct {
	event string
	fn    AckFunc
	timer *time.Timer
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	write WriteFunc
	log   *zap.Logger

	mu          sync.Mutex
	handlers    map[string][]entry
	nextHandler HandlerID
	pending     map[AckID]*pending
	nextAck     AckID
}

// New returns a dispatcher writing through write.
func New(write WriteFunc, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		write:    write,
		log:      log,
		handlers: make(map[string][]entry),
		pending:  make(map[AckID]*pending),
	}
}

// On registers fn for event. Handlers for the same event run in registration order.
func (d *Dispatcher) On(event string, fn Handler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandler++
	id := d.nextHandler
	d.handlers[event] = append(d.handlers[event], entry{id: id, fn: fn})
	return id
}

// Off removes a registration. Removing an unknown id is a no-op.
func (d *Dispatcher) Off(event string, id HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.handlers[event]
	for i, e := range list {
		if e.id == id {
			d.handlers[event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(d.handlers[event]) == 0 {
		delete(d.handlers, event)
	}
}

// Reset removes every handler.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.handlers = make(map[string][]entry)
	d.mu.Unlock()
}

// Handlers returns how many handlers are registered for event.
func (d *Dispatcher) Handlers(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[event])
}

// Dispatch delivers a push frame to its handlers synchronously.
func (d *Dispatcher) Dispatch(f transport.Frame) {
	d.mu.Lock()
	list := append([]entry(nil), d.handlers[f.Event]...)
	d.mu.Unlock()

	if len(list) == 0 {
		d.log.Debug("no handler for event", zap.String("event", f.Event))
		return
	}
	for _, e := range list {
		e.fn(f)
	}
}

// Emit writes event with payload. When ack is non-nil the frame carries an id
// and ack will be called exactly once. A write failure is both returned and
// delivered to ack.
func (d *Dispatcher) Emit(ctx context.Context, event string, payload any, ack AckFunc) (AckID, error) {
	f, err := transport.NewFrame(event, payload)
	if err != nil {
		if ack != nil {
			ack(nil, err)
		}
		return 0, err
	}
	if ack == nil {
		return 0, d.write(ctx, f)
	}

	d.mu.Lock()
	d.nextAck++
	id := d.nextAck
	d.pending[id] = &pending{event: event, fn: ack}
	d.mu.Unlock()

	f.ID = uint64(id)
	if err := d.write(ctx, f); err != nil {
		d.resolve(id, nil, err)
		return id, err
	}
	return id, nil
}

// EmitTimeout is Emit with an ack deadline: if no answer arrives within
// timeout, ack receives syncerr.ErrAckTimeout and a late answer is ignored.
func (d *Dispatcher) EmitTimeout(ctx context.Context, event string, payload any, timeout time.Duration, ack AckFunc) (AckID, error) {
	id, err := d.Emit(ctx, event, payload, ack)
	if err != nil || timeout <= 0 {
		return id, err
	}
	d.mu.Lock()
	if p, ok := d.pending[id]; ok {
		p.timer = time.AfterFunc(timeout, func() { d.Abort(id, syncerr.ErrAckTimeout) })
	}
	d.mu.Unlock()
	return id, nil
}

// ResolveAck completes the emit that f answers. It reports false for an ack
// that matches nothing (already resolved or never sent).
func (d *Dispatcher) ResolveAck(f transport.Frame) bool {
	id := AckID(f.Ack)
	var err error
	if f.Error != "" {
		d.mu.Lock()
		event := ""
		if p, ok := d.pending[id]; ok {
			event = p.event
		}
		d.mu.Unlock()
		err = &syncerr.AckError{Event: event, Message: f.Error}
	}
	if !d.resolve(id, f.Data, err) {
		d.log.Debug("dropping unmatched ack", zap.Uint64("ack", f.Ack))
		return false
	}
	return true
}

// Abort fails a pending emit with err. It reports false when the emit was
// already resolved.
func (d *Dispatcher) Abort(id AckID, err error) bool {
	return d.resolve(id, nil, err)
}

// CancelPending fails every pending emit with err and returns how many there were.
func (d *Dispatcher) CancelPending(err error) int {
	d.mu.Lock()
	all := d.pending
	d.pending = make(map[AckID]*pending)
	d.mu.Unlock()

	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.fn(nil, err)
	}
	return len(all)
}

// Reserve allocates an ack id without registering a callback, for callers
// that read the answer themselves.
func (d *Dispatcher) Reserve() AckID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextAck++
	return d.nextAck
}

// Pending returns the number of unanswered emits.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) resolve(id AckID, data json.RawMessage, err error) bool {
	d.mu.Lock()
	p, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.fn(data, err)
	return true
}
