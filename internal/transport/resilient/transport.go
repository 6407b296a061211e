// Package resilient provides an http.RoundTripper that retries transient
// failures with quadratic backoff and jitter. Request bodies are buffered
// once so every attempt sends identical bytes.
package resilient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// ErrTransportExhausted is matched by errors.Is on every ExhaustedError.
var ErrTransportExhausted = errors.New("transport exhausted retry attempts")

// ExhaustedError carries the last fault after all attempts failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("transport exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrTransportExhausted }

// RetryConfig defines retry behavior for outbound requests
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	MinDelay    time.Duration `json:"min_delay"`
}

// NewRetryConfig returns the default retry configuration
func NewRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MinDelay:    50 * time.Millisecond,
	}
}

// RetryObserver is notified before each retry wait.
type RetryObserver interface {
	RecordRetry(attempt int, delay time.Duration)
}

// Transport is a retrying http.RoundTripper.
type Transport struct {
	next     http.RoundTripper
	config   RetryConfig
	logger   *slog.Logger
	observer RetryObserver

	// jitter returns a uniform value in [-span, +span].
	jitter func(span time.Duration) time.Duration
	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithObserver sets a retry observer.
func WithObserver(o RetryObserver) Option {
	return func(t *Transport) { t.observer = o }
}

// WithJitter replaces the random jitter source.
func WithJitter(fn func(span time.Duration) time.Duration) Option {
	return func(t *Transport) { t.jitter = fn }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Transport) { t.sleep = fn }
}

// New wraps next. A nil next uses http.DefaultTransport.
func New(next http.RoundTripper, config RetryConfig, opts ...Option) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	defaults := NewRetryConfig()
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MinDelay <= 0 {
		config.MinDelay = defaults.MinDelay
	}

	t := &Transport{
		next:   next,
		config: config,
		logger: slog.Default(),
		jitter: uniformJitter,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "transport.resilient"))
	return t
}

// NewClient returns an http.Client using a resilient transport.
func NewClient(timeout time.Duration, config RetryConfig, opts ...Option) *http.Client {
	return &http.Client{
		Transport: New(nil, config, opts...),
		Timeout:   timeout,
	}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= t.config.MaxAttempts; attempt++ {
		resp, err := t.next.RoundTrip(cloneRequest(ctx, req, body))

		if err != nil {
			if isCancellation(ctx, err) {
				return nil, ctxErr(ctx, err)
			}
			lastErr = err
		} else if !retryableStatus(resp.StatusCode) || attempt == t.config.MaxAttempts {
			return resp, nil
		} else {
			lastErr = fmt.Errorf("retryable status %d", resp.StatusCode)
			drain(resp)
		}

		if attempt == t.config.MaxAttempts {
			break
		}

		delay := t.Delay(attempt)
		t.logger.WarnContext(ctx, "request_retry",
			slog.String("method", req.Method),
			slog.String("url", req.URL.Redacted()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", t.config.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()))
		if t.observer != nil {
			t.observer.RecordRetry(attempt, delay)
		}

		if err := t.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &ExhaustedError{Attempts: t.config.MaxAttempts, Err: lastErr}
}

// Delay returns the wait after the given failed attempt:
// min(MaxDelay, attempt² × BaseDelay), jittered by ±1/3 and floored at MinDelay.
func (t *Transport) Delay(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * t.config.BaseDelay
	if d > t.config.MaxDelay || d <= 0 {
		d = t.config.MaxDelay
	}
	d += t.jitter(d / 3)
	if d < t.config.MinDelay {
		d = t.config.MinDelay
	}
	return d
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return body, nil
}

// cloneRequest rebuilds req with a fresh reader over body. RoundTrippers
// must not modify the caller's request, so even attempt 1 is a clone.
func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body == nil {
		if req.Body != nil {
			clone.Body = http.NoBody
		}
		return clone
	}
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	clone.ContentLength = int64(len(body))
	return clone
}

// retryableStatus matches license.Client, which treats 5xx and 429 as an
// unreachable authority
func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ctxErr prefers the context's own error so callers can compare with ==.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return context.DeadlineExceeded
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func uniformJitter(span time.Duration) time.Duration {
	if span <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(2*span)+1)) - span
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
