package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"fleetcore/internal/license"
)

// TrustStore is the set of issuer keys licenses are verified against
type TrustStore interface {
	license.TrustedKeys
	Keys() []license.TrustedKey
}

// LicenseMetrics records verification outcomes
type LicenseMetrics interface {
	RecordLicenseCheck(result string)
}

// LicenseHandler verifies licenses for remote clients. Responses use the
// license package's error body so license.Client can map failure codes back
// to sentinels.
type LicenseHandler struct {
	trusted TrustStore
	metrics LicenseMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLicenseHandler creates a new license handler. metrics may be nil.
func NewLicenseHandler(trusted TrustStore, metrics LicenseMetrics, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		trusted: trusted,
		metrics: metrics,
		logger:  logger.With(slog.String("handler", "license")),
		now:     time.Now,
	}
}

// Routes sets up the license routes
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/verify", h.Verify)
	r.Get("/keys", h.Keys)
	return r
}

// Verify handles POST /api/licenses/verify. The caller reached this server,
// so the license is checked online.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req license.VerifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, license.ErrInvalidRequest("request body must be a JSON verify request"))
		return
	}
	if req.License == nil {
		render.Render(w, r, license.ErrInvalidRequest("license is required"))
		return
	}

	result, err := license.Verify(req.License, h.trusted, req.DeviceID, h.now(), license.Online())
	if err != nil {
		resp := license.ErrVerification(err)
		h.record(resp.AppCode)
		h.logger.WarnContext(ctx, "License verification failed",
			slog.String("license_id", req.License.Payload.LicenseID),
			slog.String("key_fingerprint", req.License.KeyFingerprint),
			slog.String("code", resp.AppCode),
			slog.String("error", err.Error()))
		render.Render(w, r, resp)
		return
	}

	h.record("ok")
	h.logger.InfoContext(ctx, "License verified",
		slog.String("license_id", result.LicenseID),
		slog.String("subject_id", result.SubjectID),
		slog.String("tier", result.Tier.String()),
		slog.Bool("is_admin_key", result.IsAdminKey))
	render.JSON(w, r, result)
}

// Keys handles GET /api/licenses/keys
func (h *LicenseHandler) Keys(w http.ResponseWriter, r *http.Request) {
	keys := h.trusted.Keys()
	if keys == nil {
		keys = []license.TrustedKey{}
	}
	render.JSON(w, r, keys)
}

func (h *LicenseHandler) record(result string) {
	if h.metrics == nil {
		return
	}
	if result == "" {
		result = "internal"
	}
	h.metrics.RecordLicenseCheck(result)
}
