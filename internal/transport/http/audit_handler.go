package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "fleetcore/internal/errors"
	"fleetcore/internal/middleware"
	"fleetcore/pkg/contracts/domain"
)

// AuditReader reads stored execution records
type AuditReader interface {
	Recent(ctx context.Context, deviceID string, limit int) ([]domain.AuditRecord, error)
}

// AuditHandler serves the execution audit log
type AuditHandler struct {
	store  AuditReader
	query  *middleware.QueryParamValidator
	errors *apierrors.ErrorHandler
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(store AuditReader, query *middleware.QueryParamValidator, errs *apierrors.ErrorHandler) *AuditHandler {
	return &AuditHandler{store: store, query: query, errors: errs}
}

// Routes sets up the audit routes
func (h *AuditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Recent)
	return r
}

// Recent handles GET /api/audit?device_id=&limit=
func (h *AuditHandler) Recent(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.query.ValidateDeviceID(w, r, "device_id")
	if !ok {
		return
	}
	limit, ok := h.query.ValidateInt(w, r, "limit", 1, 500, 100)
	if !ok {
		return
	}

	records, err := h.store.Recent(r.Context(), deviceID, limit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}
