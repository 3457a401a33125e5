// Package backend is the client for the hosted backend service: row
// queries against named relations, remote procedure calls, password-grant
// auth, and the websocket change feed.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrUnauthorized is returned when the backend rejects our token.
var ErrUnauthorized = errors.New("backend: unauthorized")

// Error is a decoded remote failure.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend: %s (status %d)", e.Message, e.Status)
}

// Client talks to one backend instance. Safe for concurrent use; the
// access token may be swapped while requests are in flight.
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client

	mu    sync.RWMutex
	token string // current user access token; anon key is used when empty
}

// New builds a client for the given base URL and public API key.
func New(baseURL, anonKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetAccessToken switches the bearer token used for subsequent requests.
// An empty token falls back to the anon key.
func (c *Client) SetAccessToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		return c.token
	}
	return c.anonKey
}

// Filters are query-string row predicates, e.g. {"owner_id": ["eq.<uuid>"]}.
type Filters = url.Values

// Eq builds a single equality filter.
func Eq(column, value string) Filters {
	return Filters{column: []string{"eq." + value}}
}

// In builds a membership filter over the given values.
func In(column string, values []string) Filters {
	return Filters{column: []string{"in.(" + strings.Join(values, ",") + ")"}}
}

// Select fetches rows from a relation into dest (a pointer to a slice).
func (c *Client) Select(ctx context.Context, table string, f Filters, dest any) error {
	return c.rest(ctx, http.MethodGet, table, f, nil, "", dest)
}

// Insert adds a row and decodes the returned representation into dest
// when dest is non-nil.
func (c *Client) Insert(ctx context.Context, table string, row any, dest any) error {
	prefer := ""
	if dest != nil {
		prefer = "return=representation"
	}
	return c.rest(ctx, http.MethodPost, table, nil, row, prefer, dest)
}

// Upsert adds a row, merging with an existing one on conflict so that a
// duplicate write reports success.
func (c *Client) Upsert(ctx context.Context, table string, row any, onConflict string) error {
	f := Filters{}
	if onConflict != "" {
		f.Set("on_conflict", onConflict)
	}
	return c.rest(ctx, http.MethodPost, table, f, row, "resolution=merge-duplicates", nil)
}

// Update patches rows matched by the filters.
func (c *Client) Update(ctx context.Context, table string, f Filters, patch any) error {
	return c.rest(ctx, http.MethodPatch, table, f, patch, "", nil)
}

// Delete removes rows matched by the filters.
func (c *Client) Delete(ctx context.Context, table string, f Filters) error {
	return c.rest(ctx, http.MethodDelete, table, f, nil, "", nil)
}

// RPC invokes a remote procedure and decodes its result into dest when
// dest is non-nil.
func (c *Client) RPC(ctx context.Context, name string, args any, dest any) error {
	return c.do(ctx, http.MethodPost, "/rest/v1/rpc/"+name, nil, args, "", dest)
}

func (c *Client) rest(ctx context.Context, method, table string, f Filters, body any, prefer string, dest any) error {
	return c.do(ctx, method, "/rest/v1/"+table, f, body, prefer, dest)
}

func (c *Client) do(ctx context.Context, method, path string, f Filters, body any, prefer string, dest any) error {
	u := c.baseURL + path
	if len(f) > 0 {
		u += "?" + url.Values(f).Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("json marshal: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError pulls a message out of the remote error body. The service
// uses both {"message": ...} and {"error_description": ...} shapes.
func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var payload struct {
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
	}
	msg := strings.TrimSpace(string(b))
	if err := json.Unmarshal(b, &payload); err == nil {
		switch {
		case payload.Message != "":
			msg = payload.Message
		case payload.ErrorDescription != "":
			msg = payload.ErrorDescription
		case payload.Msg != "":
			msg = payload.Msg
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{Status: resp.StatusCode, Message: msg}
}
