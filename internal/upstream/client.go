// Package upstream is the JSON HTTP client the specialists share for
// public feeds and APIs. It classifies failures into the fault taxonomy
// and retries only what that taxonomy calls transient.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/observability"
	"github.com/Log-LogN/warden/internal/retry"
)

// maxErrorBody caps how much of an upstream error body is read for the
// error message.
const maxErrorBody = 8 << 10

// maxResponseBody caps decoded response bodies.
const maxResponseBody = 16 << 20

// Client wraps http.Client with retry and error classification.
type Client struct {
	http    *http.Client
	policy  retry.Policy
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// Options configures a Client. Zero values pick the defaults used for
// public feeds.
type Options struct {
	Timeout time.Duration
	Policy  retry.Policy
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// New builds a Client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	policy := opts.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "warden-upstream"})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		policy:  policy,
		metrics: opts.Metrics,
		tracer:  tracer,
		logger:  logger.With("component", "upstream"),
	}
}

// GetJSON fetches url and decodes the response into out. source names
// the feed in errors, logs, and metrics.
func (c *Client) GetJSON(ctx context.Context, source, url string, headers map[string]string, out any) error {
	return c.do(ctx, source, http.MethodGet, url, headers, nil, out)
}

// PostJSON sends body as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, source, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", source, err)
	}
	return c.do(ctx, source, http.MethodPost, url, headers, payload, out)
}

func (c *Client) do(ctx context.Context, source, method, url string, headers map[string]string, body []byte, out any) error {
	ctx, span := c.tracer.StartUpstream(ctx, source)
	attempt := 0
	_, err := retry.DoWithValue(ctx, c.policy, func(ctx context.Context) (struct{}, error) {
		attempt++
		if attempt > 1 {
			c.logger.Debug("retrying upstream call", "source", source, "attempt", attempt)
			if c.metrics != nil {
				c.metrics.UpstreamRetries.WithLabelValues(source).Inc()
			}
		}
		return struct{}{}, c.once(ctx, source, method, url, headers, body, out)
	})
	observability.End(span, err)
	return err
}

func (c *Client) once(ctx context.Context, source, method, url string, headers map[string]string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", source, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "warden/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &fault.UpstreamError{Source: source, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return &fault.UpstreamError{
			Source:     source,
			Status:     resp.StatusCode,
			RetryAfter: retryAfterSeconds(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", source, err)
	}
	return nil
}

func retryAfterSeconds(value string) int {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return secs
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return int(d.Seconds()) + 1
		}
	}
	return 0
}
