package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"skillsync-chat/internal/storage"
	"skillsync-chat/internal/store"
)

// writeError maps store and storage errors onto HTTP statuses.
func (h *ConversationHandler) writeError(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, store.ErrInvalidParticipants), errors.Is(err, store.ErrInvalidMessage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotAParticipant):
		status, msg = http.StatusForbidden, store.ErrNotAParticipant.Error()
	case errors.Is(err, storage.ErrMessageTooLarge):
		status, msg = http.StatusRequestEntityTooLarge, storage.ErrMessageTooLarge.Error()
	case errors.Is(err, storage.ErrUnsupportedFileType):
		status, msg = http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, store.ErrTransientStore):
		status, msg = http.StatusServiceUnavailable, store.ErrTransientStore.Error()
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", requestIDFromContext(c)).Str("route", c.FullPath()).Msg("request failed")
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": msg})
}
