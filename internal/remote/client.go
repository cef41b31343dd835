// Package remote is an HTTP client for the hosted PostgREST backend that
// mirrors the local cache tables.
//
// Requests are paced by a token bucket and retried with a doubling delay on
// transport failures, 429 and 5xx responses. Upserts are idempotent on the
// remote side: rows are matched on their (source, source_id) key and merged.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable wraps transport-level failures: the backend could not
	// be reached or the connection broke mid-request.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrNotConfigured is returned by New without a URL or API key.
	ErrNotConfigured = errors.New("remote not configured")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("remote returned %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config holds configuration for the client.
type Config struct {
	// URL is the project base URL; requests go to URL/rest/v1/<table>
	URL string

	// APIKey is sent as both the apikey header and the bearer token
	APIKey string

	// Timeout bounds a single HTTP request
	Timeout time.Duration

	// Attempts is the number of tries per call, including the first
	Attempts int

	// RetryDelay is the wait before the first retry; it doubles after each
	RetryDelay time.Duration

	// RateLimit is the sustained request rate (requests/second, 0 = unlimited)
	RateLimit float64

	// Burst is the token bucket size
	Burst int

	// OnConflict names the upsert conflict target columns
	OnConflict string

	// HTTPClient overrides the transport
	HTTPClient *http.Client

	// Logger for request activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:    10 * time.Second,
		Attempts:   3,
		RetryDelay: time.Second,
		RateLimit:  10,
		Burst:      5,
		OnConflict: "source,source_id",
	}
}

// Client talks to the remote tables.
type Client struct {
	base       *url.URL
	apiKey     string
	attempts   int
	retryDelay time.Duration
	onConflict string
	http       *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// New creates a client from config.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.URL == "" || config.APIKey == "" {
		return nil, ErrNotConfigured
	}
	base, err := url.Parse(strings.TrimRight(config.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", config.URL)
	}

	defaults := DefaultConfig()
	c := &Client{
		base:       base,
		apiKey:     config.APIKey,
		attempts:   config.Attempts,
		retryDelay: config.RetryDelay,
		onConflict: config.OnConflict,
		http:       config.HTTPClient,
		logger:     config.Logger,
	}
	if c.attempts <= 0 {
		c.attempts = defaults.Attempts
	}
	if c.retryDelay <= 0 {
		c.retryDelay = defaults.RetryDelay
	}
	if c.onConflict == "" {
		c.onConflict = defaults.OnConflict
	}
	if c.http == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaults.Timeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "remote")

	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return c, nil
}

// Filter is a PostgREST column filter such as updated_at=gt.<ts>.
type Filter struct {
	Column   string
	Operator string
	Value    string
}

// Eq matches rows whose column equals value.
func Eq(column, value string) Filter {
	return Filter{Column: column, Operator: "eq", Value: value}
}

// Gt matches rows whose column is greater than value.
func Gt(column, value string) Filter {
	return Filter{Column: column, Operator: "gt", Value: value}
}

// Upsert inserts or merges one row and returns the stored representation.
func (c *Client) Upsert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("on_conflict", c.onConflict)
	header := http.Header{}
	header.Set("Prefer", "resolution=merge-duplicates,return=representation")

	body, err := c.do(ctx, http.MethodPost, table, q, header, payload)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", table, err)
	}

	var rows []json.RawMessage
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		// Single-object representation.
		return json.RawMessage(body), nil
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Delete removes the rows whose column equals value.
func (c *Client) Delete(ctx context.Context, table, column, value string) error {
	q := url.Values{}
	q.Set(column, "eq."+value)
	if _, err := c.do(ctx, http.MethodDelete, table, q, nil, nil); err != nil {
		return fmt.Errorf("delete %s %s=%s: %w", table, column, value, err)
	}
	return nil
}

// Select returns the rows matching every filter, ordered by updated_at.
func (c *Client) Select(ctx context.Context, table, columns string, filters ...Filter) ([]json.RawMessage, error) {
	if columns == "" {
		columns = "*"
	}
	q := url.Values{}
	q.Set("select", columns)
	q.Set("order", "updated_at.asc")
	for _, f := range filters {
		q.Add(f.Column, f.Operator+"."+f.Value)
	}

	body, err := c.do(ctx, http.MethodGet, table, q, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s rows: %w", table, err)
	}
	return rows, nil
}

// do sends one logical request, retrying transient failures.
func (c *Client) do(ctx context.Context, method, table string, q url.Values, header http.Header, payload []byte) ([]byte, error) {
	delay := c.retryDelay
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		body, err := c.send(ctx, method, table, q, header, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.attempts {
			break
		}

		c.logger.Warn("remote request failed", "method", method, "table", table, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, table string, q url.Values, header http.Header, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.base.JoinPath("rest", "v1", table)
	u.RawQuery = q.Encode()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	c.logger.Debug("remote request", "method", method, "table", table, "status", resp.StatusCode)
	return body, nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
