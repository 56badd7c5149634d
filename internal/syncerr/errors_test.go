package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestAuthExpiredMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("reconnect: %w", &AuthExpiredError{Reason: "refresh rejected", Err: errors.New("401")})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatal("wrapped AuthExpiredError should match ErrAuthExpired")
	}
	var ae *AuthExpiredError
	if !errors.As(err, &ae) || ae.Reason != "refresh rejected" {
		t.Errorf("errors.As = %v, reason = %q", ae, ae.Reason)
	}
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"transport", &TransportError{Op: "dial", Err: errors.New("refused")}, true},
		{"ack timeout", fmt.Errorf("send: %w", ErrAckTimeout), true},
		{"ack error", &AckError{Event: "joinConversation", Message: "forbidden"}, true},
		{"connection lost", ErrConnectionLost, true},
		{"cancelled", ErrCancelled, true},
		{"auth expired", &AuthExpiredError{}, false},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Recoverable(tt.err); got != tt.want {
				t.Errorf("Recoverable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{Op: "dial", Attempt: 3, Err: errors.New("refused")}
	if got := err.Error(); got != "transport dial (attempt 3): refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, err.Err) {
		t.Error("TransportError should unwrap to its cause")
	}
}
