// Package domain contains the core domain models shared by the fleet
// server, its storage layer and its clients.
package domain

import (
	"time"
)

// DeviceRecord is an enrolled device as known to the backing store
type DeviceRecord struct {
	ID         uint       `json:"id"`
	DeviceID   string     `json:"device_id" validate:"required,deviceid"`
	Name       string     `json:"name,omitempty" validate:"max=128"`
	SubjectID  string     `json:"subject_id,omitempty" validate:"max=128"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Outcome is the result of a licensed action
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Valid reports whether o is a known outcome
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeDenied:
		return true
	}
	return false
}

// AuditRecord is one append-only execution log entry
type AuditRecord struct {
	ID               uint      `json:"id,omitempty"`
	ExecutedAt       time.Time `json:"executed_at"`
	DeviceID         string    `json:"device_id" validate:"required,deviceid"`
	ActionDescriptor string    `json:"action" validate:"required,max=256"`
	Outcome          Outcome   `json:"outcome" validate:"required,oneof=success failure denied"`
	CorrelationID    string    `json:"correlation_id,omitempty" validate:"max=64"`
	Details          string    `json:"details,omitempty" validate:"max=4096"`
}
