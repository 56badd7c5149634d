package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/matheus3301/bizsync/internal/api"
)

// ErrDaemonDown is returned when nothing listens on the session socket.
var ErrDaemonDown = errors.New("daemon is not running for this session")

// client talks to bizsyncd over its Unix socket.
type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{http: &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}}
}

// do sends body (if any) and decodes the envelope's data into out. The raw
// data is returned as well for --json output.
func (c *client) do(ctx context.Context, method, path string, body, out any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://bizsyncd"+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, ErrDaemonDown
		}
		return nil, err
	}
	defer resp.Body.Close()

	var env api.Response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if env.Status != "ok" {
		return nil, fmt.Errorf("%s (HTTP %d)", env.Message, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return env.Data, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return env.Data, nil
}
