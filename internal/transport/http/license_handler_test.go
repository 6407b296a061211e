package http

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcore/internal/license"
)

var (
	issuerOnce sync.Once
	issuerKey  *rsa.PrivateKey
)

func testIssuer(t *testing.T) *license.Issuer {
	t.Helper()
	issuerOnce.Do(func() {
		var err error
		issuerKey, _, err = license.GenerateKeyPair()
		if err != nil {
			panic(err)
		}
	})
	issuer, err := license.NewIssuer(issuerKey)
	require.NoError(t, err)
	return issuer
}

type recordingLicenseMetrics struct {
	mu      sync.Mutex
	results []string
}

func (m *recordingLicenseMetrics) RecordLicenseCheck(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

func newLicenseServer(t *testing.T, trustIssuer bool) (*httptest.Server, *recordingLicenseMetrics) {
	t.Helper()
	store, err := license.NewTrustStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	if trustIssuer {
		_, err = store.Add(testIssuer(t).PublicKey())
		require.NoError(t, err)
	}

	metrics := &recordingLicenseMetrics{}
	r := chi.NewRouter()
	r.Mount("/api/licenses", NewLicenseHandler(store, metrics, quietLogger()).Routes())
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, metrics
}

func postVerify(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url+"/api/licenses/verify", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLicenseHandler_Verify(t *testing.T) {
	server, metrics := newLicenseServer(t, true)
	issuer := testIssuer(t)

	signed, err := issuer.Issue(license.IssueRequest{
		SubjectID:       "ABC123",
		Tier:            license.TierAdmin,
		IsAdminKey:      true,
		DeviceBindingID: "kiosk-1",
	})
	require.NoError(t, err)

	resp := postVerify(t, server.URL, license.VerifyRequest{License: signed, DeviceID: "kiosk-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result license.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "ABC123", result.SubjectID)
	assert.True(t, result.IsAdminKey)
	assert.True(t, result.Has(license.CapabilityIssue))

	resp = postVerify(t, server.URL, license.VerifyRequest{License: signed, DeviceID: "kiosk-2"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var errResp license.ErrResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, license.ErrCodeDeviceMismatch, errResp.AppCode)

	metrics.mu.Lock()
	assert.Equal(t, []string{"ok", license.ErrCodeDeviceMismatch}, metrics.results)
	metrics.mu.Unlock()
}

func TestLicenseHandler_VerifyOnlineIgnoresOfflineFlag(t *testing.T) {
	server, _ := newLicenseServer(t, true)
	signed, err := testIssuer(t).Issue(license.IssueRequest{SubjectID: "XYZ999", Tier: license.TierBasic})
	require.NoError(t, err)
	require.False(t, signed.Payload.AllowOfflineValidation)

	resp := postVerify(t, server.URL, license.VerifyRequest{License: signed})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLicenseHandler_UntrustedKey(t *testing.T) {
	server, _ := newLicenseServer(t, false)
	signed, err := testIssuer(t).Issue(license.IssueRequest{SubjectID: "acme", Tier: license.TierPro})
	require.NoError(t, err)

	resp := postVerify(t, server.URL, license.VerifyRequest{License: signed})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLicenseHandler_BadRequest(t *testing.T) {
	server, _ := newLicenseServer(t, true)

	for _, body := range []string{`{`, `{"device_id":"kiosk-1"}`} {
		resp, err := http.Post(server.URL+"/api/licenses/verify", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestLicenseHandler_Keys(t *testing.T) {
	server, _ := newLicenseServer(t, false)

	resp, err := http.Get(server.URL + "/api/licenses/keys")
	require.NoError(t, err)
	defer resp.Body.Close()
	var keys []license.TrustedKey
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys))
	assert.Empty(t, keys)
	assert.NotNil(t, keys)
}

func TestLicenseHandler_ServesLicenseClient(t *testing.T) {
	server, _ := newLicenseServer(t, true)
	issuer := testIssuer(t)
	client := license.NewClient(server.URL, server.Client(), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	keys, err := client.TrustedKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, issuer.Fingerprint(), keys[0].Fingerprint)

	signed, err := issuer.Issue(license.IssueRequest{SubjectID: "acme", Tier: license.TierEnterprise, ValidFor: time.Hour})
	require.NoError(t, err)
	result, err := client.Verify(ctx, signed, "")
	require.NoError(t, err)
	assert.True(t, result.Has(license.CapabilityFleet))

	tampered := *signed
	tampered.Payload.Tier = license.TierAdmin
	_, err = client.Verify(ctx, &tampered, "")
	assert.ErrorIs(t, err, license.ErrInvalidSignature)
}
