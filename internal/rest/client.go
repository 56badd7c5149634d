// Package rest is the client for the two read endpoints that seed
// authoritative state, plus the token refresh endpoint.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/matheus3301/bizsync/internal/credential"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/syncerr"
)

// Endpoint paths relative to the base URL.
const (
	PathDashboardStats = "/dashboard/stats"
	PathConversations  = "/conversations"
	PathRefreshToken   = "/auth/refresh"
)

const defaultTimeout = 15 * time.Second

// TokenSource supplies the bearer credential for authenticated calls.
type TokenSource interface {
	ValidCredential(ctx context.Context) (string, error)
}

// StatusError is a non-2xx answer other than 401.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to the REST collaborator.
type Client struct {
	baseURL    string
	identity   model.Identity
	tokens     TokenSource
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.httpClient.Timeout = d } }

// NewClient returns a client for baseURL acting as identity.
func NewClient(baseURL string, identity model.Identity, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		identity:   identity,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetTokenSource wires the credential provider. It is separate from
// NewClient because the provider itself refreshes through this client.
func (c *Client) SetTokenSource(ts TokenSource) { c.tokens = ts }

// FetchDashboardStats returns the authoritative stats snapshot.
func (c *Client) FetchDashboardStats(ctx context.Context) (model.StatsUpdate, error) {
	var out model.StatsUpdate
	if err := c.do(ctx, http.MethodGet, PathDashboardStats, c.identityQuery(), nil, &out, true); err != nil {
		return model.StatsUpdate{}, err
	}
	return out, nil
}

type conversationsResponse struct {
	Conversations []model.ConversationPreview `json:"conversations"`
}

// FetchConversations returns the conversation list.
func (c *Client) FetchConversations(ctx context.Context) ([]model.ConversationPreview, error) {
	var out conversationsResponse
	if err := c.do(ctx, http.MethodGet, PathConversations, c.identityQuery(), nil, &out, true); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// RefreshToken implements credential.Refresher. It does not send a bearer.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (credential.Pair, error) {
	var out refreshResponse
	if err := c.do(ctx, http.MethodPost, PathRefreshToken, nil, refreshRequest{RefreshToken: refreshToken}, &out, false); err != nil {
		return credential.Pair{}, err
	}
	p := credential.Pair{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if out.ExpiresIn > 0 {
		p.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return p, nil
}

func (c *Client) identityQuery() url.Values {
	q := url.Values{}
	q.Set("role", string(c.identity.Role))
	q.Set("id", c.identity.ID)
	return q
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, auth bool) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if c.tokens == nil {
			return &syncerr.AuthExpiredError{Reason: "no credential source"}
		}
		tok, err := c.tokens.ValidCredential(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &syncerr.AuthExpiredError{Reason: method + " " + path + " returned 401"}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
