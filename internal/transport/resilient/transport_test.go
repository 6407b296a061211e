package resilient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func noJitter(time.Duration) time.Duration { return 0 }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type recordingObserver struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (o *recordingObserver) RecordRetry(_ int, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delays = append(o.delays, d)
}

func TestRoundTrip_RetriesUntilSuccessWithIdenticalBody(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		n := len(bodies)
		mu.Unlock()

		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("attempt-3"))
	}))
	defer server.Close()

	observer := &recordingObserver{}
	client := &http.Client{Transport: New(nil, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
		WithJitter(noJitter), WithSleep(noSleep), WithObserver(observer))}

	payload := `{"license":"abc","device_id":"ABC123"}`
	resp, err := client.Post(server.URL, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "attempt-3", string(data))

	require.Len(t, bodies, 3)
	for _, b := range bodies {
		assert.Equal(t, payload, b)
	}
	assert.Len(t, observer.delays, 2)
}

func TestRoundTrip_TransportErrorsExhaust(t *testing.T) {
	fault := errors.New("connection reset")
	calls := 0
	tr := New(roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, fault
	}), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, WithJitter(noJitter), WithSleep(noSleep))

	req := httptest.NewRequest(http.MethodGet, "http://authority.local/keys", nil)
	_, err := tr.RoundTrip(req)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrTransportExhausted)
	assert.ErrorIs(t, err, fault)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestRoundTrip_FinalRetryableStatusIsReturned(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := &http.Client{Transport: New(nil, RetryConfig{MaxAttempts: 2}, WithJitter(noJitter), WithSleep(noSleep))}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestRoundTrip_ServerErrorsAreRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"internal server error", http.StatusInternalServerError},
		{"not implemented", http.StatusNotImplemented},
		{"bad gateway", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				if calls < 3 {
					w.WriteHeader(tt.status)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			client := &http.Client{Transport: New(nil, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
				WithJitter(noJitter), WithSleep(noSleep))}
			resp, err := client.Get(server.URL)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, 3, calls)
		})
	}
}

func TestRoundTrip_NonRetryableStatusReturnsImmediately(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := &http.Client{Transport: New(nil, RetryConfig{MaxAttempts: 5}, WithSleep(noSleep))}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestRoundTrip_CancellationDuringFirstWaitAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	tr := New(roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("dial tcp: connection refused")
	}), RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}))

	req := httptest.NewRequest(http.MethodPost, "http://authority.local/verify", strings.NewReader("x")).WithContext(ctx)
	start := time.Now()
	_, err := tr.RoundTrip(req)

	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRoundTrip_CancellationErrorIsNotRetried(t *testing.T) {
	calls := 0
	tr := New(roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, context.DeadlineExceeded
	}), RetryConfig{MaxAttempts: 3}, WithSleep(noSleep))

	_, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "http://authority.local/", nil))
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 1, calls)
}

func TestRoundTrip_DoesNotMutateCallerRequest(t *testing.T) {
	var seen *http.Request
	tr := New(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen = r
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	}), RetryConfig{MaxAttempts: 1})

	req := httptest.NewRequest(http.MethodPost, "http://authority.local/", strings.NewReader("body"))
	_, err := tr.RoundTrip(req)
	require.NoError(t, err)

	assert.NotSame(t, req, seen)
	assert.Equal(t, int64(4), seen.ContentLength)
	require.NotNil(t, seen.GetBody)
	rc, err := seen.GetBody()
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "body", string(data))
}

func TestDelay(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		jitter  func(time.Duration) time.Duration
		want    time.Duration
	}{
		{"first attempt", 1, noJitter, 100 * time.Millisecond},
		{"quadratic growth", 3, noJitter, 900 * time.Millisecond},
		{"capped", 10, noJitter, 2 * time.Second},
		{"max positive jitter", 2, func(s time.Duration) time.Duration { return s }, 400*time.Millisecond + 400*time.Millisecond/3},
		{"floored", 1, func(s time.Duration) time.Duration { return -s * 3 }, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(nil, RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}, WithJitter(tt.jitter))
			assert.Equal(t, tt.want, tr.Delay(tt.attempt))
		})
	}
}

func TestUniformJitter_Bounds(t *testing.T) {
	span := 30 * time.Millisecond
	for i := 0; i < 1000; i++ {
		j := uniformJitter(span)
		assert.GreaterOrEqual(t, j, -span)
		assert.LessOrEqual(t, j, span)
	}
	assert.Equal(t, time.Duration(0), uniformJitter(0))
}

func TestNew_Defaults(t *testing.T) {
	tr := New(nil, RetryConfig{})
	assert.Equal(t, 1, tr.config.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, tr.config.MinDelay)
	assert.Equal(t, http.DefaultTransport, tr.next)
}
