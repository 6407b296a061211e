// Package websocket runs the realtime connection table: one read and one
// write pump per connection, named groups and non-blocking fan-out.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetcore/internal/auth"
	"fleetcore/internal/config"
	"fleetcore/internal/infrastructure"
	"fleetcore/pkg/contracts/events"
)

var (
	// ErrHubStopped is returned when serving a connection after Stop
	ErrHubStopped = errors.New("websocket hub stopped")
	// ErrUnknownConnection is returned for group operations on a connection id the hub does not hold
	ErrUnknownConnection = errors.New("unknown connection")
)

// Hub maintains the set of active clients and their group memberships
type Hub struct {
	// Registered clients
	clients map[*Client]struct{}

	// Clients by connection id
	byID map[string]*Client

	// Named broadcast groups
	groups map[string]map[*Client]struct{}

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Guards clients, byID, groups and closing of send channels
	mu sync.RWMutex

	config  config.WebSocketConfig
	handler Handler
	metrics MetricsCollector
	logger  *slog.Logger

	quit     chan struct{}
	stopOnce sync.Once
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithHandler sets the handler receiving connection events
func WithHandler(h Handler) HubOption {
	return func(hub *Hub) {
		if h != nil {
			hub.handler = h
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) HubOption {
	return func(hub *Hub) {
		if m != nil {
			hub.metrics = m
		}
	}
}

// NewHub creates a new Hub. Zero values in cfg fall back to defaults.
func NewHub(cfg config.WebSocketConfig, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger = logger.With(slog.String("component", "websocket.hub"))

	defaults := config.Default().WebSocket
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}

	hub := &Hub{
		clients:    make(map[*Client]struct{}),
		byID:       make(map[string]*Client),
		groups:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		config:     cfg,
		handler:    noopHandler{},
		metrics:    noopMetrics{},
		logger:     logger,
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(hub)
	}
	return hub
}

// Handle replaces the connection handler. It must be called before Start.
func (h *Hub) Handle(handler Handler) {
	if handler != nil {
		h.handler = handler
	}
}

// Start runs the hub loop in a new goroutine
func (h *Hub) Start() {
	go h.Run()
}

// Stop terminates the hub loop and closes every client's send channel.
// It is safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
	})
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				h.detachLocked(client)
			}
			h.mu.Unlock()
			h.logger.Info("Hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.byID[client.id] = client
			count := len(h.clients)
			h.mu.Unlock()
			close(client.registered)

			h.metrics.RecordConnection()
			h.logger.InfoContext(client.ctx, "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

		case client := <-h.unregister:
			if h.removeClient(client) {
				h.metrics.RecordDisconnection(time.Since(client.connectedAt))
				h.logger.InfoContext(client.ctx, "Client unregistered",
					slog.Int("total_clients", h.ClientCount()),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))
			}
		}
	}
}

// Serve registers conn with the hub and starts its read and write pumps.
// principal may be nil for unauthenticated connections.
func (h *Hub) Serve(ctx context.Context, conn Connection, principal *auth.Principal) (*Client, error) {
	client := newClient(ctx, h, conn, principal)

	select {
	case h.register <- client:
	case <-h.quit:
		client.cancel()
		return nil, ErrHubStopped
	case <-ctx.Done():
		client.cancel()
		return nil, ctx.Err()
	}
	<-client.registered

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines
	go client.WritePump()
	go client.ReadPump()
	return client, nil
}

// AddToGroup adds the connection to a named group
func (h *Hub) AddToGroup(connID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.byID[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	members[client] = struct{}{}
	return nil
}

// SendToGroup delivers an event to every member of group. Delivery never
// blocks: a member whose send buffer is full is disconnected and skipped.
func (h *Hub) SendToGroup(group, event string, payload ...interface{}) error {
	if payload == nil {
		payload = []interface{}{}
	}
	frame, err := events.NewFrame(events.MessageType(event), "", events.BroadcastMessage{
		Event:     event,
		Args:      payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode %s broadcast: %w", event, err)
	}
	message, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s broadcast: %w", event, err)
	}

	var full []*Client
	delivered := 0

	h.mu.RLock()
	for client := range h.groups[group] {
		select {
		case client.send <- message:
			delivered++
		default:
			full = append(full, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range full {
		h.dropClient(client)
	}

	h.logger.Debug("Group broadcast",
		slog.String("group", group),
		slog.String("event", event),
		slog.Int("delivered", delivered),
		slog.Int("dropped", len(full)))
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GroupSize returns the number of members in group
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Client returns the connected client with the given connection id
func (h *Hub) Client(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[connID]
	return c, ok
}

func (h *Hub) deliver(client *Client, message []byte) error {
	h.mu.RLock()
	if _, ok := h.clients[client]; !ok {
		h.mu.RUnlock()
		return ErrClientGone
	}
	select {
	case client.send <- message:
		h.mu.RUnlock()
		return nil
	default:
		h.mu.RUnlock()
	}

	h.dropClient(client)
	return ErrSendBufferFull
}

// dropClient disconnects a client whose send buffer overflowed
func (h *Hub) dropClient(client *Client) {
	if !h.removeClient(client) {
		return
	}
	h.metrics.RecordDroppedMessage()
	h.metrics.RecordDisconnection(time.Since(client.connectedAt))
	h.logger.WarnContext(client.ctx, "Client send buffer full, disconnecting",
		slog.String("client_id", client.id))
}

// removeClient detaches client and reports whether it was still registered
func (h *Hub) removeClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return false
	}
	h.detachLocked(client)
	return true
}

func (h *Hub) detachLocked(client *Client) {
	delete(h.clients, client)
	if h.byID[client.id] == client {
		delete(h.byID, client.id)
	}
	for group := range h.groups {
		h.leaveLocked(client, group)
	}
	close(client.send)
}

func (h *Hub) leaveLocked(client *Client, group string) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// NewUpgrader returns an upgrader accepting the configured origins. An empty
// list or "*" accepts any origin.
func NewUpgrader(cfg config.WebSocketConfig, allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
				return true
			}
			return slices.ContainsFunc(allowedOrigins, func(o string) bool {
				return strings.EqualFold(o, origin)
			})
		},
	}
}
