// Package fleet implements the realtime control-plane protocol: device
// registration, liveness tracking and audit fan-out to privileged observers.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleetcore/internal/auth"
	"fleetcore/internal/infrastructure"
	"fleetcore/internal/metrics"
	"fleetcore/internal/registry"
	"fleetcore/internal/validation"
	"fleetcore/pkg/contracts/domain"
	"fleetcore/pkg/contracts/events"
)

var (
	// ErrInvalidDeviceIdentity is returned to the client for a malformed identity
	ErrInvalidDeviceIdentity = errors.New("invalid device identity")
	// ErrInvalidReport is returned for an execution result that fails validation
	ErrInvalidReport = errors.New("invalid execution report")
)

// DefaultPrivilegedRoles receive audit broadcasts
var DefaultPrivilegedRoles = []string{"administrator", "manager", "support"}

// Peer is one connected client
type Peer interface {
	ID() string
	Roles() (auth.RoleChecker, error)
}

// Broadcaster delivers events to named groups of connections
type Broadcaster interface {
	AddToGroup(connID, group string) error
	SendToGroup(group, event string, payload ...interface{}) error
}

// DeviceStore is the device-registration persistence the hub needs
type DeviceStore interface {
	FindByIdentity(ctx context.Context, deviceID string) (*domain.DeviceRecord, error)
	UpdateLastSeen(ctx context.Context, deviceID string, at time.Time) error
}

// AuditStore appends execution records
type AuditStore interface {
	Append(ctx context.Context, rec *domain.AuditRecord) error
}

// Hub handles the per-connection protocol operations
type Hub struct {
	registry        *registry.Registry
	devices         DeviceStore
	audit           AuditStore
	broadcaster     Broadcaster
	privilegedRoles []string
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures a Hub
type Option func(*Hub)

// WithPrivilegedRoles overrides the roles that join the privileged group
func WithPrivilegedRoles(roles []string) Option {
	return func(h *Hub) {
		if len(roles) > 0 {
			h.privilegedRoles = roles
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithClock overrides the time source used to stamp reports and heartbeats
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// NewHub wires the hub to its collaborators
func NewHub(reg *registry.Registry, devices DeviceStore, audit AuditStore, broadcaster Broadcaster, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	h := &Hub{
		registry:        reg,
		devices:         devices,
		audit:           audit,
		broadcaster:     broadcaster,
		privilegedRoles: DefaultPrivilegedRoles,
		logger:          logger.With(slog.String("component", "fleet.hub")),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnConnect adds privileged callers to the privileged group. It reports
// whether the peer joined. Failures are logged and never abort the connection.
func (h *Hub) OnConnect(ctx context.Context, peer Peer) bool {
	privileged, err := h.classify(peer)
	if err != nil {
		h.logger.WarnContext(ctx, "Role classification failed",
			slog.String("connection_id", peer.ID()),
			slog.String("error", err.Error()))
		return false
	}
	if !privileged {
		return false
	}

	if err := h.broadcaster.AddToGroup(peer.ID(), events.GroupPrivileged); err != nil {
		h.logger.WarnContext(ctx, "Failed to join privileged group",
			slog.String("connection_id", peer.ID()),
			slog.String("error", err.Error()))
		return false
	}
	h.logger.InfoContext(ctx, "Privileged observer connected",
		slog.String("connection_id", peer.ID()))
	return true
}

func (h *Hub) classify(peer Peer) (privileged bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			privileged, err = false, fmt.Errorf("role check panicked: %v", r)
		}
	}()

	rc, err := peer.Roles()
	if err != nil {
		if errors.Is(err, auth.ErrNoPrincipal) {
			return false, nil
		}
		return false, err
	}
	return auth.HasAnyRole(rc, h.privilegedRoles), nil
}

// RegisterDevice binds identity to the peer's connection. A malformed
// identity fails with ErrInvalidDeviceIdentity and changes nothing.
func (h *Hub) RegisterDevice(ctx context.Context, peer Peer, identity string) error {
	if err := validation.DeviceID(identity); err != nil {
		h.metrics.RecordError(events.ErrCodeInvalidDeviceIdentity)
		return fmt.Errorf("%w: must be %d-%d characters of letters, digits, '-', '_', ':' or '.'",
			ErrInvalidDeviceIdentity, validation.MinDeviceIDLength, validation.MaxDeviceIDLength)
	}

	displaced, replaced := h.registry.Register(identity, registry.Handle(peer.ID()))
	h.metrics.RecordRegistration()
	h.metrics.SetRegisteredDevices(h.registry.Len())

	attrs := []any{
		slog.String("device_id", identity),
		slog.String("connection_id", peer.ID()),
	}
	if replaced {
		attrs = append(attrs, slog.String("displaced_connection_id", string(displaced)))
	}
	h.logger.InfoContext(ctx, "Device registered", attrs...)
	return nil
}

// Heartbeat refreshes the device's liveness. An empty identity is ignored.
// Persisting last-seen is best-effort and never fails the call.
func (h *Hub) Heartbeat(ctx context.Context, peer Peer, identity string) {
	if identity == "" {
		return
	}

	if !h.registry.Heartbeat(identity) {
		h.logger.DebugContext(ctx, "Heartbeat for unregistered device",
			slog.String("device_id", identity),
			slog.String("connection_id", peer.ID()))
	}
	h.metrics.RecordHeartbeat()

	rec, err := h.devices.FindByIdentity(ctx, identity)
	if err != nil {
		h.logger.WarnContext(ctx, "Failed to load device record",
			slog.String("device_id", identity),
			slog.String("error", err.Error()))
		return
	}
	if rec == nil {
		return
	}
	if err := h.devices.UpdateLastSeen(ctx, identity, h.now().UTC()); err != nil {
		h.logger.WarnContext(ctx, "Failed to persist last seen",
			slog.String("device_id", identity),
			slog.String("error", err.Error()))
	}
}

// ReportExecutionResult persists rec and fans it out to privileged
// observers. Persistence errors are returned; delivery errors are logged.
func (h *Hub) ReportExecutionResult(ctx context.Context, peer Peer, rec *domain.AuditRecord, correlationID string) error {
	if rec == nil {
		return fmt.Errorf("%w: record is required", ErrInvalidReport)
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = h.now().UTC()
	}
	if rec.CorrelationID == "" {
		rec.CorrelationID = correlationID
	}
	if err := validation.Struct(rec); err != nil {
		h.metrics.RecordReport("invalid")
		return fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}

	if err := h.audit.Append(ctx, rec); err != nil {
		h.metrics.RecordReport("error")
		return fmt.Errorf("persist execution result: %w", err)
	}
	h.metrics.RecordReport(string(rec.Outcome))

	if err := h.broadcaster.SendToGroup(events.GroupPrivileged, events.EventExecutionResultReported, rec, correlationID); err != nil {
		h.logger.WarnContext(ctx, "Failed to broadcast execution result",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()))
	}

	h.logger.InfoContext(ctx, "Execution result reported",
		slog.String("device_id", rec.DeviceID),
		slog.String("connection_id", peer.ID()),
		slog.String("action", rec.ActionDescriptor),
		slog.String("outcome", string(rec.Outcome)),
		slog.String("correlation_id", correlationID))
	return nil
}

// OnDisconnect drops the connection's registry entry
func (h *Hub) OnDisconnect(ctx context.Context, peer Peer, cause error) {
	identity, removed := h.registry.UnregisterByConnection(registry.Handle(peer.ID()))
	if removed {
		h.metrics.SetRegisteredDevices(h.registry.Len())
	}

	attrs := []any{
		slog.String("connection_id", peer.ID()),
		slog.String("device_id", identity),
	}
	if cause != nil {
		h.logger.WarnContext(ctx, "Connection closed with error", append(attrs, slog.String("error", cause.Error()))...)
		return
	}
	h.logger.InfoContext(ctx, "Connection closed", attrs...)
}
