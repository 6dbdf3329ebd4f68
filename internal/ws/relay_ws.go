package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"skillsync-chat/internal/auth"
	"skillsync-chat/internal/observability"
)

const wsRoutingKey = "ws_events.relay"

// Handler upgrades authenticated clients onto the relay.
type Handler struct {
	relay     *Relay
	validator auth.Validator
	upgrader  websocket.Upgrader
}

func NewHandler(relay *Relay, validator auth.Validator) *Handler {
	return &Handler{
		relay:     relay,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle authenticates the handshake, upgrades it and serves the
// connection until it closes.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-service/ws").Start(c.Request.Context(), "ws.handshake")

	raw := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		token, err := auth.BearerToken(header)
		if err != nil {
			span.End()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}
		raw = token
	}
	userID, err := h.validator.ValidateToken(ctx, raw)
	if err != nil {
		span.RecordError(err)
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.String("chat.user_id", userID))

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		span.End()
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestID(c),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	span.End()

	conn := NewConnection(info, ws)
	publishLifecycle(ctx, info, "ws_connect", "")

	err = h.relay.Serve(ctx, conn)
	reason := ""
	if err != nil {
		reason = err.Error()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			publishLifecycle(ctx, info, "ws_error", reason)
		}
	}
	publishLifecycle(ctx, info, "ws_disconnect", reason)
}

func publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(context.WithoutCancel(ctx), wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "relay",
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
