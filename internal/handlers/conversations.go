package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"skillsync-chat/internal/models"
	"skillsync-chat/internal/repositories"
	"skillsync-chat/internal/storage"
	"skillsync-chat/internal/telemetry"
)

// Domain events published after successful mutations.
const (
	EventConversationStarted = "chat.conversation.started"
	EventMessageCreated      = "chat.message.created"
	EventMessagesRead        = "chat.messages.read"
)

// multipartOverhead is allowed on top of the attachment size for form
// boundaries and other fields.
const multipartOverhead = 1 << 20

// ConversationService is the conversation store as seen by the gateway.
type ConversationService interface {
	FindOrCreateConversation(ctx context.Context, userA, userB string, jobID *string) (models.Conversation, bool, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	AppendMessage(ctx context.Context, conversationID, senderID string, draft models.MessageDraft) (models.Message, error)
	ListMessages(ctx context.Context, conversationID, requesterID string, page models.Page) ([]models.Message, bool, error)
	MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, time.Time, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// ConversationHandler serves the conversation REST endpoints.
type ConversationHandler struct {
	store     ConversationService
	directory repositories.UserDirectory
	blobs     storage.BlobStore
	emitter   *telemetry.AuditEmitter
	maxUpload int64
	log       zerolog.Logger
	now       func() time.Time
}

// NewConversationHandler builds a ConversationHandler. directory and
// emitter may be nil.
func NewConversationHandler(store ConversationService, directory repositories.UserDirectory, blobs storage.BlobStore, emitter *telemetry.AuditEmitter, maxUpload int64, log zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		store:     store,
		directory: directory,
		blobs:     blobs,
		emitter:   emitter,
		maxUpload: maxUpload,
		log:       log,
		now:       time.Now,
	}
}

// RegisterRoutes mounts the conversation endpoints behind auth.
func (h *ConversationHandler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	g := r.Group("/conversations", auth)
	g.GET("", h.ListConversations)
	g.POST("/start", h.StartConversation)
	g.GET("/unread/count", h.UnreadCount)
	g.GET("/:id/messages", h.ListMessages)
	g.POST("/:id/messages", h.PostMessage)
	g.POST("/:id/files", h.UploadFile)
	g.PUT("/:id/read", h.MarkRead)
}

// profiles looks up display data. Directory failures degrade to ids only.
func (h *ConversationHandler) profiles(ctx context.Context, ids []string) map[string]models.UserProfile {
	if h.directory == nil || len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	profiles, err := h.directory.Profiles(ctx, unique)
	if err != nil {
		h.log.Warn().Err(err).Int("ids", len(unique)).Msg("user directory lookup failed")
		return nil
	}
	return profiles
}

// ListConversations returns the caller's conversations, most recent first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := userIDFromContext(c)
	list, err := h.store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	ids := make([]string, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.CounterpartID)
	}
	profiles := h.profiles(c.Request.Context(), ids)

	resp := make([]conversationView, 0, len(list))
	for _, s := range list {
		resp = append(resp, newSummaryView(s, userID, profiles))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": resp})
}

// StartConversation finds or creates the conversation with participantId.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		ParticipantID string  `json:"participantId" binding:"required"`
		JobID         *string `json:"jobId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := userIDFromContext(c)
	conv, created, err := h.store.FindOrCreateConversation(c.Request.Context(), userID, strings.TrimSpace(req.ParticipantID), req.JobID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.audit(c, "conversation started")
		h.publishChatEvent(c, EventConversationStarted, gin.H{
			"conversationId": conv.ID,
			"participants":   conv.Participants(),
			"jobId":          conv.JobID,
			"startedBy":      userID,
		})
	}
	profiles := h.profiles(c.Request.Context(), []string{conv.Counterpart(userID)})
	c.JSON(status, gin.H{"conversation": newConversationView(conv, userID, profiles), "created": created})
}

// UnreadCount returns the caller's unread messages across conversations.
func (h *ConversationHandler) UnreadCount(c *gin.Context) {
	count, err := h.store.UnreadCount(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func parseCursor(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parsePage(c *gin.Context) (models.Page, error) {
	var page models.Page
	var err error
	if page.Before, err = parseCursor(c.Query("before")); err != nil {
		return page, errors.New("invalid before cursor")
	}
	if page.After, err = parseCursor(c.Query("after")); err != nil {
		return page, errors.New("invalid after cursor")
	}
	// ids break ties between messages created at the same instant
	page.BeforeID = strings.TrimSpace(c.Query("beforeId"))
	page.AfterID = strings.TrimSpace(c.Query("afterId"))
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page, errors.New("invalid limit")
		}
		page.Limit = n
	}
	return page, nil
}

// ListMessages returns one page of history in chronological order.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	page, err := parsePage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msgs, hasMore, err := h.store.ListMessages(c.Request.Context(), c.Param("id"), userIDFromContext(c), page)
	if err != nil {
		h.writeError(c, err)
		return
	}

	senders := make([]string, 0, len(msgs))
	for _, m := range msgs {
		senders = append(senders, m.SenderID)
	}
	profiles := h.profiles(c.Request.Context(), senders)
	c.JSON(http.StatusOK, gin.H{"messages": newMessageViews(msgs, profiles), "hasMore": hasMore})
}

// PostMessage appends a text message from the caller.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.appendAndRespond(c, models.MessageDraft{Kind: models.MessageKindText, Content: req.Content})
}

// UploadFile stores a multipart attachment and appends it as an image or
// file message.
func (h *ConversationHandler) UploadFile(c *gin.Context) {
	if h.blobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attachments disabled"})
		return
	}
	if c.Request.ContentLength > h.maxUpload+multipartOverhead {
		h.writeError(c, storage.ErrMessageTooLarge)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(c, storage.ErrMessageTooLarge)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	ctx := c.Request.Context()
	member, err := h.store.IsParticipant(ctx, c.Param("id"), userIDFromContext(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	att, err := h.blobs.Save(ctx, storage.Upload{Name: fh.Filename, Size: fh.Size, Body: f})
	if err != nil {
		h.writeError(c, err)
		return
	}

	ok := h.appendAndRespond(c, models.MessageDraft{
		Kind:       storage.KindFor(att.ContentType),
		Content:    strings.TrimSpace(c.PostForm("content")),
		Attachment: &att,
	})
	if !ok {
		// no message references the blob
		if err := h.blobs.Delete(context.WithoutCancel(ctx), att); err != nil {
			h.log.Warn().Err(err).Str("url", att.URL).Msg("remove orphaned attachment failed")
		}
	}
}

// appendAndRespond appends draft and writes the response. It reports
// whether the message was stored.
func (h *ConversationHandler) appendAndRespond(c *gin.Context, draft models.MessageDraft) bool {
	userID := userIDFromContext(c)
	msg, err := h.store.AppendMessage(c.Request.Context(), c.Param("id"), userID, draft)
	if err != nil {
		h.writeError(c, err)
		return false
	}

	h.audit(c, "message sent")
	h.publishChatEvent(c, EventMessageCreated, gin.H{
		"conversationId": msg.ConversationID,
		"messageId":      msg.ID,
		"senderId":       msg.SenderID,
		"kind":           msg.Kind,
		"createdAt":      msg.CreatedAt,
	})
	profiles := h.profiles(c.Request.Context(), []string{userID})
	c.JSON(http.StatusCreated, newMessageView(msg, profiles))
	return true
}

// MarkRead records read receipts for the listed messages.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MessageIDs == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messageIds is required"})
		return
	}

	userID := userIDFromContext(c)
	updated, readAt, err := h.store.MarkRead(c.Request.Context(), c.Param("id"), userID, req.MessageIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if updated == nil {
		updated = []string{}
	}
	if len(updated) > 0 {
		h.publishChatEvent(c, EventMessagesRead, gin.H{
			"conversationId": c.Param("id"),
			"readerId":       userID,
			"messageIds":     updated,
			"readAt":         readAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated, "readAt": readAt})
}
