// Package transport opens the chat event stream over HTTP with a bounded
// header wait and a single retry on transient faults.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "buddy-cli"
	maxErrorBody     = 4096
)

// Client issues requests against the agent backend.
type Client struct {
	httpClient *http.Client
	retry      *RetryPolicy
	timeout    time.Duration
	userAgent  string
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout should be
// zero, otherwise open streams are cut off.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a Client. The default HTTP transport is instrumented with
// OpenTelemetry so each attempt is recorded as a client span.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		retry:      DefaultRetryPolicy(),
		timeout:    defaultTimeout,
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenStream POSTs body as JSON to url and returns the response body once
// headers arrive. The caller must close it. Cancelling ctx aborts the
// stream at any point.
func (c *Client) OpenStream(ctx context.Context, url string, body any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var stream io.ReadCloser
	err = c.retry.Execute(ctx, func() error {
		rc, err := c.openOnce(ctx, url, payload)
		if err != nil {
			return err
		}
		stream = rc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *Client) openOnce(ctx context.Context, url string, payload []byte) (io.ReadCloser, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	// Only the wait for headers is bounded; the body may stream indefinitely.
	timer := time.AfterFunc(c.timeout, func() { cancel(ErrTimeout) })

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	fired := !timer.Stop()
	if err != nil {
		timedOut := fired || errors.Is(context.Cause(attemptCtx), ErrTimeout)
		cancel(nil)
		if timedOut {
			return nil, fmt.Errorf("open stream %s: %w", url, ErrTimeout)
		}
		return nil, fmt.Errorf("open stream %s: %w", url, err)
	}
	if fired {
		resp.Body.Close()
		cancel(nil)
		return nil, fmt.Errorf("open stream %s: %w", url, ErrTimeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel(nil)
		defer resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: %w", url, readStatusError(resp))
	}
	// Instrumented transports wrap the body, so NoBody alone is not enough.
	if resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
		if resp.Body != nil {
			resp.Body.Close()
		}
		cancel(nil)
		return nil, fmt.Errorf("open stream %s: %w", url, ErrNoBody)
	}

	return &streamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Get performs a GET and returns the response body. The timeout covers the
// whole exchange.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := c.retry.Execute(ctx, func() error {
		b, err := c.getOnce(ctx, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) getOnce(ctx context.Context, url string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeoutCause(ctx, c.timeout, ErrTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(context.Cause(attemptCtx), ErrTimeout) {
			return nil, fmt.Errorf("get %s: %w", url, ErrTimeout)
		}
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("get %s: %w", url, readStatusError(resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(context.Cause(attemptCtx), ErrTimeout) {
			return nil, fmt.Errorf("read %s: %w", url, ErrTimeout)
		}
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}

func readStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

// streamBody releases the attempt context when the stream is closed.
type streamBody struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
