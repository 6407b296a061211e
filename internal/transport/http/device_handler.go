package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "fleetcore/internal/errors"
	"fleetcore/internal/middleware"
	"fleetcore/internal/registry"
	api "fleetcore/pkg/contracts/api/v1"
	"fleetcore/pkg/contracts/domain"
)

// LiveDevices lists the devices currently registered on a connection
type LiveDevices interface {
	Snapshot() []registry.Entry
}

// DeviceEnrollment persists device registration records
type DeviceEnrollment interface {
	Enroll(ctx context.Context, rec *domain.DeviceRecord) (*domain.DeviceRecord, error)
	List(ctx context.Context) ([]domain.DeviceRecord, error)
}

// DeviceHandler serves the live device table and enrollment
type DeviceHandler struct {
	live      LiveDevices
	store     DeviceEnrollment
	validator *middleware.ValidationMiddleware
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(live LiveDevices, store DeviceEnrollment, validator *middleware.ValidationMiddleware, errs *apierrors.ErrorHandler, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		live:      live,
		store:     store,
		validator: validator,
		errors:    errs,
		logger:    logger.With(slog.String("handler", "devices")),
	}
}

// Routes sets up the device routes
func (h *DeviceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListLive)
	r.Post("/", h.Enroll)
	r.Get("/enrolled", h.ListEnrolled)
	return r
}

// ListLive handles GET /api/devices
func (h *DeviceHandler) ListLive(w http.ResponseWriter, r *http.Request) {
	entries := h.live.Snapshot()
	devices := make([]api.DeviceStatus, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, api.DeviceStatus{
			DeviceID:     e.Identity,
			ConnectionID: string(e.Conn),
			LastSeenAt:   e.LastSeenAt,
		})
	}
	render.JSON(w, r, api.DeviceListResponse{Devices: devices, Count: len(devices)})
}

// Enroll handles POST /api/devices
func (h *DeviceHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.EnrollDeviceRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	rec, err := h.store.Enroll(ctx, &domain.DeviceRecord{
		DeviceID:  req.DeviceID,
		Name:      req.Name,
		SubjectID: req.SubjectID,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "Device enrolled",
		slog.String("device_id", rec.DeviceID),
		slog.String("subject_id", rec.SubjectID))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rec)
}

// ListEnrolled handles GET /api/devices/enrolled
func (h *DeviceHandler) ListEnrolled(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, records)
}
