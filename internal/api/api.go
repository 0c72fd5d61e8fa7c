// Package api is the HTTP client for the relay's client API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"market-relay/internal/logger"
	"market-relay/internal/protocol"
)

// UserHeader identifies the calling user to the relay.
const UserHeader = "X-User-ID"

// Client is an HTTP client bound to one relay and one user.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userID     string
	headers    map[string]string
	logEnabled bool
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers[key] = value
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogging logs every request at debug level.
func WithLogging(enabled bool) ClientOption {
	return func(c *Client) {
		c.logEnabled = enabled
	}
}

// NewClient returns a client for the relay at baseURL acting as userID.
func NewClient(baseURL, userID string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		userID:     userID,
		headers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request is a single call to the relay.
type Request struct {
	Method  string
	Path    string
	Body    any
	Headers map[string]string
}

// Response holds the raw reply.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

func (r *Response) ParseJSON(dst any) error {
	if err := json.Unmarshal(r.Body, dst); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// StatusError is a non-2xx reply. It unwraps to the sentinel the relay's
// error code names, so callers can use errors.Is.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	err        error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("relay returned %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.err }

func statusError(status int, body []byte) error {
	se := &StatusError{StatusCode: status}
	var pe protocol.Error
	if json.Unmarshal(body, &pe) == nil && pe.Code != "" {
		se.Code = pe.Code
		se.Message = pe.Message
		se.err = pe.Err()
	} else {
		se.Message = string(body)
	}
	return se
}

// Do sends req and returns the response, or a *StatusError for HTTP >= 400.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set(UserHeader, c.userID)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	if c.logEnabled {
		logger.Debug(ctx, "Relay request", "method", req.Method, "path", req.Path)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if c.logEnabled {
		logger.Debug(ctx, "Relay response",
			"method", req.Method,
			"path", req.Path,
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, respBody)
	}
	return &Response{StatusCode: resp.StatusCode, Body: respBody, Headers: resp.Header}, nil
}

// RetryConfig bounds DoWithRetry.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries: 3,
	Backoff:    500 * time.Millisecond,
	MaxBackoff: 5 * time.Second,
}

// retryable reports whether a failed call may succeed if repeated. Refusals
// from the relay's policy (403, 429, 4xx) are final.
func retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	return se.StatusCode == http.StatusServiceUnavailable || se.StatusCode == http.StatusGatewayTimeout
}

// DoWithRetry repeats req with exponential backoff on transport errors and
// 503/504 replies.
func (c *Client) DoWithRetry(ctx context.Context, req Request, cfg RetryConfig) (*Response, error) {
	backoff := cfg.Backoff
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Debug(ctx, "Retrying relay request", "attempt", attempt, "path", req.Path, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
		resp, err := c.Do(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) call(ctx context.Context, method, path string, body, dst any) error {
	resp, err := c.Do(ctx, Request{Method: method, Path: path, Body: body})
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	return resp.ParseJSON(dst)
}
