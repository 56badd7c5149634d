// Package transporttest provides an in-memory transport.Transport whose
// server side is driven from tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/matheus3301/bizsync/internal/transport"
)

// ErrClosed is returned by operations on a closed or dropped connection.
var ErrClosed = errors.New("transporttest: connection closed")

// Responder answers an emit-with-ack. Returning an error sends an error ack.
// Returning a nil payload and nil error sends an empty success ack.
type Responder func(req transport.Frame) (any, error)

// Transport is an in-memory transport.Transport.
type Transport struct {
	mu         sync.Mutex
	conns      []*Conn
	creds      []string
	dialErrs   []error
	handshake  func(credential string) transport.Frame
	responders map[string]Responder
	dialed     chan *Conn
}

// New returns a Transport that accepts every credential.
func New() *Transport {
	return &Transport{
		responders: make(map[string]Responder),
		dialed:     make(chan *Conn, 64),
	}
}

// FailDials queues errors returned by the next Dial calls, one per call.
func (t *Transport) FailDials(errs ...error) {
	t.mu.Lock()
	t.dialErrs = append(t.dialErrs, errs...)
	t.mu.Unlock()
}

// SetHandshake overrides the first frame sent for a credential.
func (t *Transport) SetHandshake(fn func(credential string) transport.Frame) {
	t.mu.Lock()
	t.handshake = fn
	t.mu.Unlock()
}

// RejectCredential makes the handshake answer connect_error for cred.
func (t *Transport) RejectCredential(cred, code string) {
	t.SetHandshake(func(c string) transport.Frame {
		if c == cred {
			f, _ := transport.NewFrame(transport.EventConnectError, transport.RejectedError{Code: code, Message: "rejected"})
			return f
		}
		return transport.Frame{Event: transport.EventConnect}
	})
}

// Respond installs an automatic ack responder for event.
func (t *Transport) Respond(event string, r Responder) {
	t.mu.Lock()
	t.responders[event] = r
	t.mu.Unlock()
}

func (t *Transport) responder(event string) Responder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responders[event]
}

// Dial implements transport.Transport.
func (t *Transport) Dial(ctx context.Context, credential string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.creds = append(t.creds, credential)
	if len(t.dialErrs) > 0 {
		err := t.dialErrs[0]
		t.dialErrs = t.dialErrs[1:]
		t.mu.Unlock()
		return nil, err
	}
	first := transport.Frame{Event: transport.EventConnect}
	if t.handshake != nil {
		first = t.handshake(credential)
	}
	c := &Conn{
		t:          t,
		credential: credential,
		inbound:    make(chan transport.Frame, 256),
		outbound:   make(chan transport.Frame, 256),
		closed:     make(chan struct{}),
	}
	c.inbound <- first
	t.conns = append(t.conns, c)
	t.mu.Unlock()

	t.dialed <- c
	return c, nil
}

// Credentials returns every credential Dial was called with, in order.
func (t *Transport) Credentials() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.creds...)
}

// Live returns the number of connections not yet closed or dropped.
func (t *Transport) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.conns {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

// Last returns the most recently dialed connection.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// NextConn waits for the next dialed connection.
func (t *Transport) NextConn(timeout time.Duration) (*Conn, bool) {
	select {
	case c := <-t.dialed:
		return c, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Conn is both ends of one in-memory connection.
type Conn struct {
	t          *Transport
	credential string
	inbound    chan transport.Frame
	outbound   chan transport.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// Credential is the credential this connection was dialed with.
func (c *Conn) Credential() string { return c.credential }

// Read implements transport.Conn.
func (c *Conn) Read(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	default:
	}
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return transport.Frame{}, ErrClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

// Write implements transport.Conn. Requests with a registered responder are
// acknowledged immediately.
func (c *Conn) Write(ctx context.Context, f transport.Frame) error {
	if c.IsClosed() {
		return ErrClosed
	}
	select {
	case c.outbound <- f:
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.ID == 0 {
		return nil
	}
	if r := c.t.responder(f.Event); r != nil {
		payload, err := r(f)
		if err != nil {
			c.ReplyError(f, err.Error())
		} else {
			c.Reply(f, payload)
		}
	}
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Drop simulates the server or network killing the connection.
func (c *Conn) Drop() { c.Close() }

// IsClosed reports whether the connection was closed or dropped.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push sends a server event to the client.
func (c *Conn) Push(event string, payload any) {
	f, err := transport.NewFrame(event, payload)
	if err != nil {
		panic(err)
	}
	c.inbound <- f
}

// PushRaw sends a server event whose payload is the literal JSON data.
func (c *Conn) PushRaw(event, data string) {
	f := transport.Frame{Event: event}
	if data != "" {
		f.Data = json.RawMessage(data)
	}
	c.inbound <- f
}

// Reply acknowledges req with payload.
func (c *Conn) Reply(req transport.Frame, payload any) {
	f, err := transport.NewFrame("", payload)
	if err != nil {
		panic(err)
	}
	f.Ack = req.ID
	c.inbound <- f
}

// ReplyError acknowledges req with an error.
func (c *Conn) ReplyError(req transport.Frame, msg string) {
	c.inbound <- transport.Frame{Ack: req.ID, Error: msg}
}

// Next waits for the next frame the client wrote.
func (c *Conn) Next(timeout time.Duration) (transport.Frame, bool) {
	select {
	case f := <-c.outbound:
		return f, true
	case <-time.After(timeout):
		return transport.Frame{}, false
	}
}

// Expect waits for the next client frame named event, skipping others.
func (c *Conn) Expect(event string, timeout time.Duration) (transport.Frame, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-c.outbound:
			if f.Event == event {
				return f, true
			}
		case <-deadline:
			return transport.Frame{}, false
		}
	}
}
