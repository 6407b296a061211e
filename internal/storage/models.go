package storage

import (
	"time"

	"fleetcore/pkg/contracts/domain"
)

// DeviceRegistration is an enrolled device
type DeviceRegistration struct {
	ID         uint       `gorm:"primaryKey"`
	DeviceID   string     `gorm:"size:128;uniqueIndex;not null"`
	Name       string     `gorm:"size:128"`
	SubjectID  string     `gorm:"size:128;index"`
	LastSeenAt *time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (DeviceRegistration) TableName() string { return "device_registrations" }

func (d *DeviceRegistration) toDomain() *domain.DeviceRecord {
	return &domain.DeviceRecord{
		ID:         d.ID,
		DeviceID:   d.DeviceID,
		Name:       d.Name,
		SubjectID:  d.SubjectID,
		LastSeenAt: d.LastSeenAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// AuditLog is an append-only execution record. Rows are never updated.
type AuditLog struct {
	ID            uint      `gorm:"primaryKey"`
	ExecutedAt    time.Time `gorm:"index;not null"`
	DeviceID      string    `gorm:"size:128;index;not null"`
	Action        string    `gorm:"size:256;not null"`
	Outcome       string    `gorm:"size:16;not null"`
	CorrelationID string    `gorm:"size:64;index"`
	Details       string
	CreatedAt     time.Time
}

func (AuditLog) TableName() string { return "audit_logs" }

func auditLogFromDomain(r *domain.AuditRecord) *AuditLog {
	return &AuditLog{
		ExecutedAt:    r.ExecutedAt.UTC(),
		DeviceID:      r.DeviceID,
		Action:        r.ActionDescriptor,
		Outcome:       string(r.Outcome),
		CorrelationID: r.CorrelationID,
		Details:       r.Details,
	}
}

func (a *AuditLog) toDomain() domain.AuditRecord {
	return domain.AuditRecord{
		ID:               a.ID,
		ExecutedAt:       a.ExecutedAt,
		DeviceID:         a.DeviceID,
		ActionDescriptor: a.Action,
		Outcome:          domain.Outcome(a.Outcome),
		CorrelationID:    a.CorrelationID,
		Details:          a.Details,
	}
}
