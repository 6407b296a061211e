package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"fleetcore/internal/auth"
	"fleetcore/internal/infrastructure"
	"fleetcore/pkg/contracts/events"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

var (
	// ErrClientGone is returned when sending to a client the hub no longer holds
	ErrClientGone = errors.New("client is no longer connected")
	// ErrSendBufferFull is returned when a client's send buffer overflowed
	ErrSendBufferFull = errors.New("client send buffer full")

	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub *Hub

	// The websocket connection
	conn Connection

	// Buffered channel of outbound messages, closed only by the hub
	send chan []byte

	// Closed by the hub once the client is visible to group operations
	registered chan struct{}

	id          string
	traceID     string
	remoteAddr  string
	connectedAt time.Time
	principal   *auth.Principal
	limiter     *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

func newClient(ctx context.Context, hub *Hub, conn Connection, principal *auth.Principal) *Client {
	id := uuid.NewString()
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = infrastructure.GenerateTraceID()
	}

	ctx, cancel := context.WithCancel(infrastructure.WithTraceID(context.WithoutCancel(ctx), traceID))
	ctx = auth.WithPrincipal(ctx, principal)

	limit := rate.Inf
	if hub.config.MessagesPerSecond > 0 {
		limit = rate.Limit(hub.config.MessagesPerSecond)
	}
	burst := hub.config.MessageBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.config.SendBufferSize),
		registered:  make(chan struct{}),
		id:          id,
		traceID:     traceID,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		principal:   principal,
		limiter:     rate.NewLimiter(limit, burst),
		ctx:         ctx,
		cancel:      cancel,
		logger: hub.logger.With(
			slog.String("client_id", id),
			slog.String("trace_id", traceID),
		),
	}
}

// ID returns the connection id assigned at upgrade
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the peer address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Principal returns the authenticated caller, or nil
func (c *Client) Principal() *auth.Principal {
	return c.principal
}

// Roles returns the caller's role checker. It fails with auth.ErrNoPrincipal
// when the connection was not authenticated.
func (c *Client) Roles() (auth.RoleChecker, error) {
	if c.principal == nil {
		return nil, auth.ErrNoPrincipal
	}
	return c.principal, nil
}

// Context is cancelled once the connection has been torn down
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send queues message for delivery without blocking. A client whose buffer is
// full is disconnected.
func (c *Client) Send(message []byte) error {
	return c.hub.deliver(c, message)
}

// SendFrame encodes and queues a protocol frame
func (c *Client) SendFrame(t events.MessageType, id string, data interface{}) error {
	frame, err := events.NewFrame(t, id, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.Send(raw)
}

// ReadPump pumps messages from the websocket connection to the hub's handler
func (c *Client) ReadPump() {
	var readErr error
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()

		if isCleanClose(readErr) {
			readErr = nil
		}
		c.hub.handler.OnDisconnect(c.ctx, c, readErr)
		c.cancel()

		c.logger.InfoContext(c.ctx, "WebSocket client disconnected (readPump)",
			slog.Duration("connection_duration", time.Since(c.connectedAt)),
			slog.Int64("messages_received", c.messagesReceived.Load()))
	}()

	pongWait := c.hub.config.PongWait
	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	c.hub.handler.OnConnect(c.ctx, c)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.ErrorContext(c.ctx, "Unexpected WebSocket close error",
					slog.String("error", err.Error()))
			}
			readErr = err
			return
		}
		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))
		if len(message) == 0 {
			continue
		}
		c.messagesReceived.Add(1)

		if !c.limiter.Allow() {
			c.hub.metrics.RecordError(events.ErrCodeRateLimited)
			c.logger.WarnContext(c.ctx, "Inbound message rate exceeded")
			_ = c.SendFrame(events.MessageTypeError, "", events.ProtocolError{
				Code:    events.ErrCodeRateLimited,
				Message: "too many messages",
			})
			continue
		}

		c.hub.handler.OnMessage(c.ctx, c, message)
	}
}

// WritePump pumps messages from the hub to the websocket connection
func (c *Client) WritePump() {
	pingPeriod := (c.hub.config.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.DebugContext(c.ctx, "WebSocket write pump stopped",
			slog.Int64("messages_sent", c.messagesSent.Load()))
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(message); err != nil {
				return
			}

			// Send any queued messages as separate WebSocket frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				msg, ok := <-c.send
				if !ok {
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.write(msg); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.DebugContext(c.ctx, "Failed to send ping message",
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.ErrorContext(c.ctx, "Error writing message to WebSocket",
			slog.String("error", err.Error()))
		return err
	}
	c.messagesSent.Add(1)
	return nil
}

func isCleanClose(err error) bool {
	return err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
