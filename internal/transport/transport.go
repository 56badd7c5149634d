package transport

import (
	"context"
	"fmt"
	"time"
)

// Conn is one physical connection.
type Conn interface {
	Read(ctx context.Context) (Frame, error)
	Write(ctx context.Context, f Frame) error
	Close() error
}

// Transport opens physical connections authenticated with credential.
type Transport interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// Handshake waits for the server's first frame. It returns nil on connect,
// a *RejectedError on connect_error and any other error on I/O failure.
func Handshake(ctx context.Context, c Conn, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	f, err := c.Read(ctx)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	switch f.Event {
	case EventConnect:
		return nil
	case EventConnectError:
		rej := &RejectedError{}
		if err := f.Bind(rej); err != nil {
			rej.Message = string(f.Data)
		}
		return rej
	default:
		return fmt.Errorf("expected %q, got %q", EventConnect, f.Event)
	}
}
