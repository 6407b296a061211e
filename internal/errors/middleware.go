package errors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"fleetcore/internal/auth"
)

const (
	defaultMaxCapturedBody = 64 << 10
	maxLoggedBody          = 512
	redacted               = "[REDACTED]"
)

// secretKeys are compared lowercased against JSON object keys at any depth.
var secretKeys = map[string]struct{}{
	"password":    {},
	"token":       {},
	"secret":      {},
	"api_key":     {},
	"apikey":      {},
	"private_key": {},
	"privatekey":  {},
	"passphrase":  {},
	"jwt_secret":  {},
	"signature":   {},
}

// ErrorMiddleware recovers panics into problem details and writes one access
// log line per request. Failed requests also log their JSON body with secrets
// masked.
type ErrorMiddleware struct {
	handler         *ErrorHandler
	logger          *slog.Logger
	maxCapturedBody int64
}

// MiddlewareOption configures an ErrorMiddleware.
type MiddlewareOption func(*ErrorMiddleware)

// WithMaxCapturedBody bounds the request bodies buffered for logging. Larger
// bodies stream through untouched.
func WithMaxCapturedBody(n int64) MiddlewareOption {
	return func(m *ErrorMiddleware) { m.maxCapturedBody = n }
}

// NewErrorMiddleware creates a new error handling middleware
func NewErrorMiddleware(handler *ErrorHandler, logger *slog.Logger, opts ...MiddlewareOption) *ErrorMiddleware {
	m := &ErrorMiddleware{
		handler:         handler,
		logger:          logger.With(slog.String("component", "error_middleware")),
		maxCapturedBody: defaultMaxCapturedBody,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler returns the middleware handler function
func (m *ErrorMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		body := m.captureBody(r)
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				m.handler.HandlePanic(ww, r, rec)
			}
			m.logRequest(r, ww, body, time.Since(start))
		}()

		next.ServeHTTP(ww, r)
	})
}

func (m *ErrorMiddleware) captureBody(r *http.Request) []byte {
	if r.Body == nil || r.ContentLength <= 0 || r.ContentLength > m.maxCapturedBody {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	return body
}

func (m *ErrorMiddleware) logRequest(r *http.Request, ww middleware.WrapResponseWriter, body []byte, elapsed time.Duration) {
	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	level := levelForStatus(status)
	ctx := r.Context()
	if !m.logger.Enabled(ctx, level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", elapsed),
		slog.Int("bytes", ww.BytesWritten()),
		slog.String("request_id", middleware.GetReqID(ctx)),
	}
	if p, ok := auth.PrincipalFrom(ctx); ok {
		attrs = append(attrs, slog.String("subject", p.Subject))
		if p.DeviceID != "" {
			attrs = append(attrs, slog.String("device_id", p.DeviceID))
		}
	}
	if status >= http.StatusBadRequest && len(body) > 0 {
		attrs = append(attrs, slog.String("request_body", redactBody(body)))
	}

	m.logger.LogAttrs(ctx, level, "http request", attrs...)
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// redactBody masks secret-looking keys anywhere in a JSON body. Non-JSON
// bodies are never logged verbatim.
func redactBody(body []byte) string {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Sprintf("<%d bytes, not json>", len(body))
	}
	out, err := json.Marshal(redactValue(v))
	if err != nil {
		return fmt.Sprintf("<%d bytes>", len(body))
	}
	if len(out) > maxLoggedBody {
		return string(out[:maxLoggedBody]) + "..."
	}
	return string(out)
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if _, ok := secretKeys[strings.ToLower(k)]; ok {
				t[k] = redacted
				continue
			}
			t[k] = redactValue(val)
		}
	case []interface{}:
		for i := range t {
			t[i] = redactValue(t[i])
		}
	}
	return v
}
