package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"
)

// WebSocketOptions configures NewWebSocket.
type WebSocketOptions struct {
	HTTPClient *http.Client
	// ReadLimit caps a single inbound message. Zero keeps the library default.
	ReadLimit int64
}

// WebSocket dials the realtime endpoint. The credential is sent both as a
// bearer header and as the token query parameter.
type WebSocket struct {
	url  string
	opts WebSocketOptions
}

// NewWebSocket returns a Transport for socketURL (ws:// or wss://).
func NewWebSocket(socketURL string, opts WebSocketOptions) *WebSocket {
	return &WebSocket{url: socketURL, opts: opts}
}

// Dial opens a websocket. It does not perform the handshake.
func (w *WebSocket) Dial(ctx context.Context, credential string) (Conn, error) {
	u, err := url.Parse(w.url)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: w.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if w.opts.ReadLimit > 0 {
		c.SetReadLimit(w.opts.ReadLimit)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (Frame, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			return Frame{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return Decode(data)
	}
}

func (w *wsConn) Write(ctx context.Context, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client disconnect")
}
