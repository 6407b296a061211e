// Package api contains the HTTP API contract definitions of the fleet server.
// Version v1 represents the current stable API version.
package api

import (
	"time"
)

// Device API Requests

// EnrollDeviceRequest enrolls a device registration record
type EnrollDeviceRequest struct {
	DeviceID  string `json:"device_id" validate:"required,deviceid"`
	Name      string `json:"name" validate:"max=128"`
	SubjectID string `json:"subject_id" validate:"max=128"`
}

// DeviceStatus is one row of the live device listing
type DeviceStatus struct {
	DeviceID     string    `json:"device_id"`
	ConnectionID string    `json:"connection_id"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// DeviceListResponse lists currently registered devices
type DeviceListResponse struct {
	Devices []DeviceStatus `json:"devices"`
	Count   int            `json:"count"`
}
