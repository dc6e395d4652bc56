// Package gateway talks to the remote HTTP gateway that owns the
// authoritative copy of every table.
//
// Reads are GET requests selected by the action query parameter. Writes are
// POST requests carrying {action, ...payload} as JSON. Mutating writes fetch a
// one-time nonce first unless the action is public. When the client has no
// base URL or no secret every call is a no-op, which keeps the rest of the
// system usable offline.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/logger"
)

type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	secret  string
	log     logger.Logger

	httpClient *http.Client

	mu           sync.RWMutex
	sessionToken string
}

type Option func(*Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient replaces the default client. Its Timeout is left as given.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	c := &Client{
		baseURL: strings.TrimSpace(cfg.BaseURL),
		secret:  strings.TrimSpace(cfg.Secret),
		log:     logger.Nop(),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether calls reach the network at all.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.secret != ""
}

func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// SetSessionToken replaces the in-memory session token. It is never persisted.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	c.sessionToken = token
	c.mu.Unlock()
}

func (c *Client) endpoint(params url.Values) (string, error) {
	if !c.Configured() {
		return "", constants.ErrNotConfigured
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", &Error{Code: CodeTransport, Message: "invalid base URL", Err: err}
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set("secret", c.secret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Read issues GET ?action=... and returns the checked response.
func (c *Client) Read(ctx context.Context, action string, params url.Values) (*RawResponse, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("action", action)
	if token := c.SessionToken(); token != "" {
		params.Set("sessionToken", token)
	}
	endpoint, err := c.endpoint(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, &Error{Code: CodeTransport, Message: err.Error(), Err: err}
	}
	return c.send(req, action)
}

// Write issues POST {action, ...payload}. Unless public, a nonce is fetched
// first and attached. The client-owned keys action, nonce and sessionToken
// override payload entries of the same name.
func (c *Client) Write(ctx context.Context, action string, payload map[string]any, public bool) (*RawResponse, error) {
	body := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		body[k] = v
	}
	body["action"] = action
	if token := c.SessionToken(); token != "" {
		body["sessionToken"] = token
	}
	if !public {
		nonce, err := c.Nonce(ctx)
		if err != nil {
			return nil, fmt.Errorf("nonce for %s: %w", action, err)
		}
		body["nonce"] = nonce
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	endpoint, err := c.endpoint(nil)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, &Error{Code: CodeTransport, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, action)
}

func (c *Client) send(req *http.Request, action string) (*RawResponse, error) {
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("gateway request failed", "action", action, "error", err)
		return nil, &Error{Code: CodeTransport, Message: "error making HTTP request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, Code: CodeTransport, Message: "error reading body", Err: err}
	}

	res := &RawResponse{Status: resp.StatusCode, Body: body}
	c.log.Debug("gateway response", "action", action, "status", resp.StatusCode, "elapsed", time.Since(start).String())
	if gerr := res.Err(); gerr != nil {
		return nil, gerr
	}
	return res, nil
}
