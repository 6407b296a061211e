package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apierrors "fleetcore/internal/errors"
	"fleetcore/internal/middleware"
	"fleetcore/internal/registry"
	api "fleetcore/pkg/contracts/api/v1"
	"fleetcore/pkg/contracts/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockDeviceEnrollment implements DeviceEnrollment for testing
type MockDeviceEnrollment struct {
	mock.Mock
}

func (m *MockDeviceEnrollment) Enroll(ctx context.Context, rec *domain.DeviceRecord) (*domain.DeviceRecord, error) {
	args := m.Called(ctx, rec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DeviceRecord), args.Error(1)
}

func (m *MockDeviceEnrollment) List(ctx context.Context) ([]domain.DeviceRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.DeviceRecord), args.Error(1)
}

// MockAuditReader implements AuditReader for testing
type MockAuditReader struct {
	mock.Mock
}

func (m *MockAuditReader) Recent(ctx context.Context, deviceID string, limit int) ([]domain.AuditRecord, error) {
	args := m.Called(ctx, deviceID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.AuditRecord), args.Error(1)
}

func newDeviceRouter(live LiveDevices, store DeviceEnrollment) chi.Router {
	errs := apierrors.NewErrorHandler(quietLogger(), false)
	h := NewDeviceHandler(live, store, middleware.NewValidationMiddleware(quietLogger(), errs), errs, quietLogger())
	r := chi.NewRouter()
	r.Mount("/api/devices", h.Routes())
	return r
}

func TestHealthHandler(t *testing.T) {
	dbErr := errors.New("database is locked")
	tests := []struct {
		name       string
		checks     map[string]Check
		wantStatus int
		wantBody   string
	}{
		{
			name:       "all checks pass",
			checks:     map[string]Check{"database": func(context.Context) error { return nil }},
			wantStatus: http.StatusOK,
			wantBody:   `"status":"ready"`,
		},
		{
			name: "failing check",
			checks: map[string]Check{
				"database": func(context.Context) error { return dbErr },
				"hub":      func(context.Context) error { return nil },
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "database is locked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Mount("/api/health", NewHealthHandler(tt.checks, quietLogger()).Routes())

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/ready", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}

	r := chi.NewRouter()
	r.Mount("/api/health", NewHealthHandler(nil, quietLogger()).Routes())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"protocol":"fleet.v1"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/live", nil))
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}

func TestDeviceHandler_ListLive(t *testing.T) {
	reg := registry.New(registry.WithClock(func() time.Time {
		return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	}))
	reg.Register("kiosk-2", "conn-b")
	reg.Register("kiosk-1", "conn-a")

	rec := httptest.NewRecorder()
	newDeviceRouter(reg, new(MockDeviceEnrollment)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.DeviceListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	ids := []string{resp.Devices[0].DeviceID, resp.Devices[1].DeviceID}
	assert.ElementsMatch(t, []string{"kiosk-1", "kiosk-2"}, ids)
}

func TestDeviceHandler_Enroll(t *testing.T) {
	t.Run("valid request", func(t *testing.T) {
		store := new(MockDeviceEnrollment)
		store.On("Enroll", mock.Anything, mock.MatchedBy(func(rec *domain.DeviceRecord) bool {
			return rec.DeviceID == "kiosk-1" && rec.Name == "lobby"
		})).Return(&domain.DeviceRecord{ID: 1, DeviceID: "kiosk-1", Name: "lobby"}, nil)

		body := `{"device_id":"kiosk-1","name":"lobby"}`
		rec := httptest.NewRecorder()
		newDeviceRouter(registry.New(), store).ServeHTTP(rec,
			httptest.NewRequest(http.MethodPost, "/api/devices", strings.NewReader(body)))

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), `"device_id":"kiosk-1"`)
		store.AssertExpectations(t)
	})

	t.Run("invalid identity", func(t *testing.T) {
		store := new(MockDeviceEnrollment)
		body := `{"device_id":"no spaces allowed"}`
		rec := httptest.NewRecorder()
		newDeviceRouter(registry.New(), store).ServeHTTP(rec,
			httptest.NewRequest(http.MethodPost, "/api/devices", strings.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "VALIDATION_FAILED")
		store.AssertNotCalled(t, "Enroll", mock.Anything, mock.Anything)
	})

	t.Run("store failure", func(t *testing.T) {
		store := new(MockDeviceEnrollment)
		store.On("Enroll", mock.Anything, mock.Anything).Return(nil, errors.New("disk I/O error"))

		rec := httptest.NewRecorder()
		newDeviceRouter(registry.New(), store).ServeHTTP(rec,
			httptest.NewRequest(http.MethodPost, "/api/devices", strings.NewReader(`{"device_id":"kiosk-1"}`)))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestDeviceHandler_ListEnrolled(t *testing.T) {
	store := new(MockDeviceEnrollment)
	store.On("List", mock.Anything).Return([]domain.DeviceRecord{{DeviceID: "kiosk-1"}}, nil)

	rec := httptest.NewRecorder()
	newDeviceRouter(registry.New(), store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/enrolled", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var records []domain.DeviceRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "kiosk-1", records[0].DeviceID)
}

func TestAuditHandler(t *testing.T) {
	errs := apierrors.NewErrorHandler(quietLogger(), false)
	newRouter := func(store AuditReader) chi.Router {
		r := chi.NewRouter()
		r.Mount("/api/audit", NewAuditHandler(store, middleware.NewQueryParamValidator(quietLogger(), errs), errs).Routes())
		return r
	}

	t.Run("defaults", func(t *testing.T) {
		store := new(MockAuditReader)
		store.On("Recent", mock.Anything, "", 100).Return([]domain.AuditRecord{
			{DeviceID: "kiosk-1", ActionDescriptor: "export-report", Outcome: domain.OutcomeSuccess},
		}, nil)

		rec := httptest.NewRecorder()
		newRouter(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"count":1`)
		store.AssertExpectations(t)
	})

	t.Run("filtered", func(t *testing.T) {
		store := new(MockAuditReader)
		store.On("Recent", mock.Anything, "kiosk-1", 5).Return([]domain.AuditRecord{}, nil)

		rec := httptest.NewRecorder()
		newRouter(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit?device_id=kiosk-1&limit=5", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		store.AssertExpectations(t)
	})

	t.Run("bad parameters", func(t *testing.T) {
		store := new(MockAuditReader)
		for _, q := range []string{"?limit=0", "?limit=abc", "?device_id=a%20b"} {
			rec := httptest.NewRecorder()
			newRouter(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit"+q, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
		store.AssertNotCalled(t, "Recent", mock.Anything, mock.Anything, mock.Anything)
	})
}
