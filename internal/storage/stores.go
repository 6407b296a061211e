package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleetcore/pkg/contracts/domain"
)

// ErrNilRecord is returned when appending a nil audit record
var ErrNilRecord = errors.New("audit record is nil")

// DeviceStore persists device registrations
type DeviceStore struct {
	db *gorm.DB
}

// NewDeviceStore creates a device store over db
func NewDeviceStore(db *gorm.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

// FindByIdentity returns the device record, or nil and no error when absent.
func (s *DeviceStore) FindByIdentity(ctx context.Context, deviceID string) (*domain.DeviceRecord, error) {
	var reg DeviceRegistration
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find device %q: %w", deviceID, err)
	}
	return reg.toDomain(), nil
}

// UpdateLastSeen stamps the device's last-seen time. Updating an unknown
// device affects no rows and is not an error.
func (s *DeviceStore) UpdateLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&DeviceRegistration{}).
		Where("device_id = ?", deviceID).
		Update("last_seen_at", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("update last seen for %q: %w", deviceID, err)
	}
	return nil
}

// Enroll creates a registration or updates the name and subject of an
// existing one.
func (s *DeviceStore) Enroll(ctx context.Context, rec *domain.DeviceRecord) (*domain.DeviceRecord, error) {
	reg := DeviceRegistration{
		DeviceID:  rec.DeviceID,
		Name:      rec.Name,
		SubjectID: rec.SubjectID,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "subject_id", "updated_at"}),
	}).Create(&reg).Error
	if err != nil {
		return nil, fmt.Errorf("enroll device %q: %w", rec.DeviceID, err)
	}
	return s.FindByIdentity(ctx, rec.DeviceID)
}

// List returns all enrolled devices ordered by device id.
func (s *DeviceStore) List(ctx context.Context) ([]domain.DeviceRecord, error) {
	var regs []DeviceRegistration
	if err := s.db.WithContext(ctx).Order("device_id").Find(&regs).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]domain.DeviceRecord, 0, len(regs))
	for i := range regs {
		out = append(out, *regs[i].toDomain())
	}
	return out, nil
}

// AuditStore appends execution records
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore creates an audit store over db
func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append inserts rec and sets its ID.
func (s *AuditStore) Append(ctx context.Context, rec *domain.AuditRecord) error {
	if rec == nil {
		return ErrNilRecord
	}
	row := auditLogFromDomain(rec)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	rec.ID = row.ID
	return nil
}

// Recent returns up to limit records for deviceID, newest first. An empty
// deviceID matches all devices.
func (s *AuditStore) Recent(ctx context.Context, deviceID string, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("executed_at desc, id desc").Limit(limit)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}

	var rows []AuditLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	out := make([]domain.AuditRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
