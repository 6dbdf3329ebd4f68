package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"skillsync-chat/internal/middleware"
	"skillsync-chat/internal/observability"
)

func requestIDFromContext(c *gin.Context) string {
	return observability.RequestID(c)
}

func userIDFromContext(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// publishChatEvent sends a domain event for downstream consumers. Failures
// are logged and counted; the request has already succeeded.
func (h *ConversationHandler) publishChatEvent(c *gin.Context, name string, payload any) {
	ctx := c.Request.Context()
	headers := observability.BuildHeaders(requestIDFromContext(c), traceIDFromContext(ctx))
	envelope := observability.EventEnvelope{
		EventType:  "chat",
		EventName:  name,
		OccurredAt: h.now().UTC(),
		Payload:    payload,
	}
	if err := observability.PublishEvent(ctx, name, envelope, headers); err != nil {
		h.log.Warn().Err(err).Str("event", name).Msg("chat event publish failed")
	}
}

func (h *ConversationHandler) audit(c *gin.Context, text string) {
	h.emitter.Emit(c.Request.Context(), "INFO", text, requestIDFromContext(c), userIDFromContext(c))
}
