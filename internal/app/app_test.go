package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcore/internal/config"
	"fleetcore/internal/license"
	"fleetcore/internal/storage"
	handlers "fleetcore/internal/transport/http"
	api "fleetcore/pkg/contracts/api/v1"
	"fleetcore/pkg/contracts/events"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestApplication(t *testing.T) (*Application, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "fleet.db")
	cfg.Auth.JWTSecret = testSecret
	cfg.License.TrustedKeysDir = t.TempDir()
	cfg.Security.RateLimit.Enabled = false
	cfg.Security.AllowedOrigins = nil

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(cfg, logger)
	require.NoError(t, err)

	a.WebSocketHub.Start()
	srv := httptest.NewServer(a.Router)
	t.Cleanup(func() {
		srv.Close()
		a.WebSocketHub.Stop()
		_ = storage.Close(a.DB)
	})
	return a, srv
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNew_Health(t *testing.T) {
	_, srv := newTestApplication(t)

	resp := get(t, srv.URL+"/api/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv.URL+"/api/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body["status"])
}

func TestNew_DeviceRoutesRequirePrivilegedRole(t *testing.T) {
	a, srv := newTestApplication(t)

	resp := get(t, srv.URL+"/api/devices", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	deviceToken, err := a.Tokens.Issue("kiosk-7", []string{"device"}, "device-7")
	require.NoError(t, err)
	resp = get(t, srv.URL+"/api/devices", deviceToken)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	adminToken, err := a.Tokens.Issue("ops", []string{"administrator"}, "")
	require.NoError(t, err)
	resp = get(t, srv.URL+"/api/devices", adminToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv.URL+"/api/audit?limit=5", adminToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_UnknownRoute(t *testing.T) {
	_, srv := newTestApplication(t)

	resp := get(t, srv.URL+"/api/nothing-here", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNew_MetricsEndpoint(t *testing.T) {
	_, srv := newTestApplication(t)

	resp := get(t, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "fleet_registry_registrations_total")
}

func TestNew_WebSocketRegistrationIsListed(t *testing.T) {
	a, srv := newTestApplication(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readFrame := func() events.Frame {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f events.Frame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	assert.Equal(t, events.MessageTypeConnected, readFrame().Type)

	frame, err := events.NewFrame(events.MessageTypeRegister, "r-1", events.RegisterPayload{DeviceID: "device-1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame))

	ack := readFrame()
	assert.Equal(t, events.MessageTypeAck, ack.Type)
	assert.Equal(t, "r-1", ack.ID)

	adminToken, err := a.Tokens.Issue("ops", []string{"manager"}, "")
	require.NoError(t, err)
	resp := get(t, srv.URL+"/api/devices", adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list api.DeviceListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "device-1", list.Devices[0].DeviceID)
}

func TestStop_ClosesResources(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "fleet.db")
	cfg.Auth.JWTSecret = testSecret
	cfg.License.TrustedKeysDir = t.TempDir()
	cfg.Server.ShutdownTimeout = time.Second

	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	a.WebSocketHub.Start()

	require.NoError(t, a.Stop(context.Background()))
	assert.Error(t, storage.Ping(a.DB))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "fleet.db")
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestNew_SyncsTrustedKeysFromAuthority(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, pub, err := license.GenerateKeyPairBits(2048)
	require.NoError(t, err)

	upstream, err := license.NewTrustStore(t.TempDir(), logger)
	require.NoError(t, err)
	fp, err := upstream.Add(pub)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/api/licenses", handlers.NewLicenseHandler(upstream, nil, logger).Routes())
	authority := httptest.NewServer(r)
	defer authority.Close()

	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "fleet.db")
	cfg.Auth.JWTSecret = testSecret
	cfg.License.TrustedKeysDir = t.TempDir()
	cfg.License.AuthorityURL = authority.URL

	a, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(a.DB) })

	_, ok := a.TrustStore.Lookup(fp)
	assert.True(t, ok)
}

func TestNew_UnreachableAuthorityKeepsLocalKeys(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authority := httptest.NewServer(http.NotFoundHandler())
	url := authority.URL
	authority.Close()

	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "fleet.db")
	cfg.Auth.JWTSecret = testSecret
	cfg.License.TrustedKeysDir = t.TempDir()
	cfg.License.AuthorityURL = url
	cfg.License.MaxAttempts = 1

	a, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(a.DB) })
	assert.Empty(t, a.TrustStore.Keys())
}
