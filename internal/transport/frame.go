// Package transport carries frames between the client and the realtime server.
//
// A Frame is one JSON text message. Push events carry only Event and Data.
// An emit that expects an acknowledgement sets ID; the server answers with a
// frame whose Ack equals that ID and which carries either Data or Error.
package transport

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Handshake and control events.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
	EventTokenExpired = "tokenExpired"
	EventAuthenticate = "authenticate"
)

// connect_error codes that mean the credential itself was refused.
const (
	CodeUnauthorized = "unauthorized"
	CodeTokenExpired = "token_expired"
)

// ErrMalformedFrame wraps decode failures. The connection stays usable.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the wire envelope.
type Frame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewFrame builds a frame for event with payload marshaled into Data.
// A nil payload leaves Data empty.
func NewFrame(event string, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	f.Data = data
	return f, nil
}

// IsAck reports whether f answers an earlier emit.
func (f Frame) IsAck() bool { return f.Ack != 0 }

// Bind decodes Data into v. An empty payload leaves v untouched.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}

// Encode marshals a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a wire message.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" && f.Ack == 0 {
		return Frame{}, fmt.Errorf("%w: neither event nor ack set", ErrMalformedFrame)
	}
	return f, nil
}

// RejectedError is a connect_error answer to the handshake.
type RejectedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return "handshake rejected: " + e.Message
	}
	return fmt.Sprintf("handshake rejected (%s): %s", e.Code, e.Message)
}

// CredentialRejected reports whether the server refused the credential
// rather than failing for some other reason.
func (e *RejectedError) CredentialRejected() bool {
	return e.Code == CodeUnauthorized || e.Code == CodeTokenExpired
}
