package websocket

import (
	"context"
	"time"
)

// Connection is the subset of *websocket.Conn used by a Client.
// ConnectionWrapper adapts a gorilla connection; MockConnection is used in tests.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	RemoteAddr() string
}

// Handler receives connection lifecycle events and inbound messages.
//
// OnConnect runs on the client's read goroutine once the client is visible
// to the hub, so group membership changes made there take effect before the
// first message is read. OnDisconnect receives nil for a clean close.
type Handler interface {
	OnConnect(ctx context.Context, c *Client)
	OnMessage(ctx context.Context, c *Client, message []byte)
	OnDisconnect(ctx context.Context, c *Client, err error)
}

// MetricsCollector records hub level metrics
type MetricsCollector interface {
	RecordConnection()
	RecordDisconnection(duration time.Duration)
	RecordDroppedMessage()
	RecordError(code string)
}

type noopHandler struct{}

func (noopHandler) OnConnect(context.Context, *Client)           {}
func (noopHandler) OnMessage(context.Context, *Client, []byte)   {}
func (noopHandler) OnDisconnect(context.Context, *Client, error) {}

type noopMetrics struct{}

func (noopMetrics) RecordConnection()                 {}
func (noopMetrics) RecordDisconnection(time.Duration) {}
func (noopMetrics) RecordDroppedMessage()             {}
func (noopMetrics) RecordError(string)                {}
