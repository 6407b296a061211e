// Package events contains the realtime fleet protocol frames exchanged over
// the websocket channel.
//
// Every frame is a JSON text message of the form
//
//	{"type": "register", "id": "<request id>", "data": {...}}
//
// Replies to a client request carry the request id.
package events

import (
	"encoding/json"
	"time"

	"fleetcore/pkg/contracts/domain"
)

// MessageType defines the type of a protocol frame
type MessageType string

const (
	// Client to server
	MessageTypeRegister  MessageType = "register"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeReport    MessageType = "report"

	// Server to client
	MessageTypeConnected MessageType = "connected"
	MessageTypeAck       MessageType = "ack"
	MessageTypeError     MessageType = "error"
)

// EventExecutionResultReported is broadcast to privileged observers
const EventExecutionResultReported = "ExecutionResultReported"

// GroupPrivileged is the broadcast group of privileged observers
const GroupPrivileged = "privileged"

// Frame is a single protocol message
type Frame struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewFrame encodes data into a frame
func NewFrame(t MessageType, id string, data interface{}) (*Frame, error) {
	f := &Frame{Type: t, ID: id, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return f, nil
}

// Decode unmarshals the frame data into v
func (f *Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(f.Data, v)
}

// ProtocolError is the data of an error frame
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Protocol error codes
const (
	ErrCodeInvalidDeviceIdentity = "INVALID_DEVICE_IDENTITY"
	ErrCodeInvalidMessage        = "INVALID_MESSAGE"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeInternal              = "INTERNAL"
)

// RegisterPayload is the data of a register frame
type RegisterPayload struct {
	DeviceID string `json:"device_id"`
}

// HeartbeatPayload is the data of a heartbeat frame
type HeartbeatPayload struct {
	DeviceID string `json:"device_id"`
}

// ReportPayload is the data of a report frame
type ReportPayload struct {
	Record        domain.AuditRecord `json:"record"`
	CorrelationID string             `json:"correlation_id"`
}

// ConnectedPayload is sent once after the upgrade
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	Protocol     string `json:"protocol"`
	Privileged   bool   `json:"privileged"`
}

// AckPayload acknowledges a client request
type AckPayload struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id,omitempty"`
}

// BroadcastMessage is the envelope for group broadcasts
type BroadcastMessage struct {
	Event     string        `json:"event"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}
