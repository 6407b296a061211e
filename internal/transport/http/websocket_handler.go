package http

import (
	"context"
	"log/slog"
	"net/http"

	gws "github.com/gorilla/websocket"

	"fleetcore/internal/auth"
	"fleetcore/internal/infrastructure"
	"fleetcore/internal/websocket"
)

// ConnectionServer takes ownership of an upgraded connection
type ConnectionServer interface {
	Serve(ctx context.Context, conn websocket.Connection, principal *auth.Principal) (*websocket.Client, error)
}

// WebSocketHandler upgrades GET /ws and hands the connection to the hub
type WebSocketHandler struct {
	hub      ConnectionServer
	upgrader *gws.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new websocket handler
func NewWebSocketHandler(hub ConnectionServer, upgrader *gws.Upgrader, logger *slog.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:      hub,
		upgrader: upgrader,
		logger:   logger.With(slog.String("handler", "websocket")),
	}
	if h.upgrader.Error == nil {
		h.upgrader.Error = h.upgradeError
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := auth.PrincipalFrom(ctx)

	h.logger.DebugContext(ctx, "WebSocket upgrade request",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("origin", r.Header.Get("Origin")),
		slog.Bool("authenticated", principal != nil))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied
		h.logger.WarnContext(ctx, "WebSocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("origin", r.Header.Get("Origin")))
		return
	}

	client, err := h.hub.Serve(ctx, websocket.NewConnectionWrapper(conn), principal)
	if err != nil {
		h.logger.WarnContext(ctx, "WebSocket hub rejected connection",
			slog.String("error", err.Error()))
		_ = conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseTryAgainLater, "server shutting down"))
		_ = conn.Close()
		return
	}

	h.logger.InfoContext(ctx, "WebSocket client connected",
		slog.String("client_id", client.ID()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("trace_id", infrastructure.GetTraceID(ctx)))
}

func (h *WebSocketHandler) upgradeError(w http.ResponseWriter, r *http.Request, status int, reason error) {
	h.logger.WarnContext(r.Context(), "WebSocket upgrade rejected",
		slog.Int("status", status),
		slog.String("reason", reason.Error()))
	http.Error(w, http.StatusText(status), status)
}
