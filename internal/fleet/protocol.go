package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"fleetcore/internal/metrics"
	"fleetcore/internal/websocket"
	"fleetcore/pkg/contracts"
	"fleetcore/pkg/contracts/events"
)

// Protocol decodes websocket frames and dispatches them to the Hub. Every
// request frame is answered with an ack or an error frame carrying its id.
type Protocol struct {
	hub     *Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProtocol creates the websocket handler for hub
func NewProtocol(hub *Hub, m *metrics.Metrics) *Protocol {
	return &Protocol{
		hub:     hub,
		metrics: m,
		logger:  hub.logger.With(slog.String("component", "fleet.protocol")),
	}
}

// OnConnect implements websocket.Handler
func (p *Protocol) OnConnect(ctx context.Context, c *websocket.Client) {
	privileged := p.hub.OnConnect(ctx, c)
	p.send(ctx, c, events.MessageTypeConnected, "", events.ConnectedPayload{
		ConnectionID: c.ID(),
		Protocol:     contracts.ProtocolVersion,
		Privileged:   privileged,
	})
}

// OnMessage implements websocket.Handler
func (p *Protocol) OnMessage(ctx context.Context, c *websocket.Client, message []byte) {
	var frame events.Frame
	if err := json.Unmarshal(message, &frame); err != nil || frame.Type == "" {
		p.fail(ctx, c, "", events.ErrCodeInvalidMessage, "malformed frame")
		return
	}
	p.metrics.RecordMessage(string(frame.Type))

	switch frame.Type {
	case events.MessageTypeRegister:
		var req events.RegisterPayload
		if err := frame.Decode(&req); err != nil {
			p.fail(ctx, c, frame.ID, events.ErrCodeInvalidMessage, "malformed register payload")
			return
		}
		if err := p.hub.RegisterDevice(ctx, c, req.DeviceID); err != nil {
			p.fail(ctx, c, frame.ID, events.ErrCodeInvalidDeviceIdentity, err.Error())
			return
		}
		p.ack(ctx, c, frame.ID, "registered", req.DeviceID)

	case events.MessageTypeHeartbeat:
		var req events.HeartbeatPayload
		if err := frame.Decode(&req); err != nil {
			p.fail(ctx, c, frame.ID, events.ErrCodeInvalidMessage, "malformed heartbeat payload")
			return
		}
		p.hub.Heartbeat(ctx, c, req.DeviceID)
		p.ack(ctx, c, frame.ID, "ok", req.DeviceID)

	case events.MessageTypeReport:
		var req events.ReportPayload
		if err := frame.Decode(&req); err != nil {
			p.fail(ctx, c, frame.ID, events.ErrCodeInvalidMessage, "malformed report payload")
			return
		}
		if err := p.hub.ReportExecutionResult(ctx, c, &req.Record, req.CorrelationID); err != nil {
			if errors.Is(err, ErrInvalidReport) {
				p.fail(ctx, c, frame.ID, events.ErrCodeInvalidMessage, err.Error())
				return
			}
			p.logger.ErrorContext(ctx, "Failed to record execution result",
				slog.String("connection_id", c.ID()),
				slog.String("error", err.Error()))
			p.fail(ctx, c, frame.ID, events.ErrCodeInternal, "execution result could not be stored")
			return
		}
		p.ack(ctx, c, frame.ID, "recorded", req.Record.DeviceID)

	default:
		p.fail(ctx, c, frame.ID, events.ErrCodeInvalidMessage, "unknown message type "+string(frame.Type))
	}
}

// OnDisconnect implements websocket.Handler
func (p *Protocol) OnDisconnect(ctx context.Context, c *websocket.Client, err error) {
	p.hub.OnDisconnect(ctx, c, err)
}

func (p *Protocol) ack(ctx context.Context, c *websocket.Client, id, status, deviceID string) {
	p.send(ctx, c, events.MessageTypeAck, id, events.AckPayload{Status: status, DeviceID: deviceID})
}

func (p *Protocol) fail(ctx context.Context, c *websocket.Client, id, code, message string) {
	p.metrics.RecordError(code)
	p.send(ctx, c, events.MessageTypeError, id, events.ProtocolError{Code: code, Message: message})
}

func (p *Protocol) send(ctx context.Context, c *websocket.Client, t events.MessageType, id string, data interface{}) {
	if err := c.SendFrame(t, id, data); err != nil {
		p.logger.DebugContext(ctx, "Reply not delivered",
			slog.String("connection_id", c.ID()),
			slog.String("type", string(t)),
			slog.String("error", err.Error()))
	}
}
