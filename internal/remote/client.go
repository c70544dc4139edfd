// Package remote is the HTTP+JSON client for the trading backend's REST API.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/starford/slabsync/internal/apperr"
	"github.com/starford/slabsync/internal/models"
)

const (
	headerStoreID     = "X-Store-ID"
	headerIdempotency = "Idempotency-Key"

	// maxBody bounds how much of a response is read into memory.
	maxBody = 16 << 20
)

// Config holds the client settings.
type Config struct {
	BaseURL   string
	Token     string
	StoreID   string
	Timeout   time.Duration
	UserAgent string
	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

// Client talks to the remote API. It is safe for concurrent use.
type Client struct {
	base      string
	token     string
	storeID   string
	userAgent string
	http      *http.Client
}

// New builds a Client. The transport is wrapped with otelhttp so every
// request carries trace context.
func New(cfg Config) *Client {
	rt := cfg.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "slabsync"
	}
	return &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		storeID:   cfg.StoreID,
		userAgent: ua,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(rt),
		},
	}
}

// Dispatch sends one queued mutation and returns the response body.
// Any 2xx (including 204) is success.
func (c *Client) Dispatch(ctx context.Context, m models.Mutation) ([]byte, error) {
	var body io.Reader
	if len(m.Payload) > 0 {
		body = bytes.NewReader(m.Payload)
	}
	req, err := c.newRequest(ctx, m.Method, m.Endpoint, body)
	if err != nil {
		return nil, &apperr.DispatchError{Seq: m.Seq, Method: m.Method, Endpoint: m.Endpoint, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.IdempotencyKey != "" {
		req.Header.Set(headerIdempotency, m.IdempotencyKey)
	}
	data, err := c.do(req)
	if err != nil {
		var de *apperr.DispatchError
		if errors.As(err, &de) {
			de.Seq = m.Seq
		}
		return nil, err
	}
	return data, nil
}

// Fetch issues a GET against endpoint and returns the response body.
func (c *Client) Fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &apperr.DispatchError{Method: http.MethodGet, Endpoint: endpoint, Err: err}
	}
	return c.do(req)
}

// Ping issues a GET against path and reports the status code. Only
// transport failures are errors.
func (c *Client) Ping(ctx context.Context, path string) (int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.storeID != "" {
		req.Header.Set(headerStoreID, c.storeID)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	fail := func(status int, err error) *apperr.DispatchError {
		return &apperr.DispatchError{
			Method:   req.Method,
			Endpoint: req.URL.Path,
			Status:   status,
			Err:      err,
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}
	if err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	return data, nil
}
