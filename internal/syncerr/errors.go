// Package syncerr defines the error taxonomy shared by the synchronization core.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired is matched by every AuthExpiredError via errors.Is.
	ErrAuthExpired = errors.New("session expired, please log in again")

	// ErrAckTimeout is returned when an emit-with-ack was not answered in the caller's window.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrCancelled is delivered to pending ack callbacks when their connection is closed.
	ErrCancelled = errors.New("cancelled")

	// ErrConnectionLost is delivered to pending ack callbacks when the socket drops before a response.
	ErrConnectionLost = errors.New("connection lost before response")

	// ErrRoomConflict is returned when a join races an in-flight leave.
	ErrRoomConflict = errors.New("room change already in progress")

	// ErrNotConnected is returned by emits attempted without a live socket.
	ErrNotConnected = errors.New("not connected")
)

// TransportError wraps a connect/reconnect failure. It is recoverable.
type TransportError struct {
	Op      string
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("transport %s (attempt %d): %v", e.Op, e.Attempt, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthExpiredError reports that the credential could not be refreshed. It is fatal
// for the session: the owner must terminate it and send the user to log in.
type AuthExpiredError struct {
	Reason string
	Err    error
}

func (e *AuthExpiredError) Error() string {
	msg := ErrAuthExpired.Error()
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

func (e *AuthExpiredError) Is(target error) bool { return target == ErrAuthExpired }

// MalformedEventError is produced by a reconciliation engine for an event it had to drop.
// It never propagates past the engine's owner, which only logs and counts it.
type MalformedEventError struct {
	Engine string
	Event  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("%s: malformed %s event: %s", e.Engine, e.Event, e.Reason)
}

// AckError is an explicit error answer from the server to an emit-with-ack.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Message)
}

// Malformed is a shorthand for building a MalformedEventError.
func Malformed(engine, event, reason string) error {
	return &MalformedEventError{Engine: engine, Event: event, Reason: reason}
}

// Recoverable reports whether err can be handled locally (banner + retry)
// as opposed to forcing the session to end.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrAuthExpired) {
		return false
	}
	var te *TransportError
	var ae *AckError
	switch {
	case errors.As(err, &te), errors.As(err, &ae):
		return true
	case errors.Is(err, ErrAckTimeout), errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrCancelled), errors.Is(err, ErrNotConnected), errors.Is(err, ErrRoomConflict):
		return true
	}
	return false
}
