package repositories

import (
	"context"
	"errors"
	"time"

	"skillsync-chat/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository persists conversations.
type ConversationRepository interface {
	// CreateOrGet inserts conv unless a conversation for the same sorted pair
	// exists, in which case the stored one is returned with created=false.
	CreateOrGet(ctx context.Context, conv models.Conversation) (models.Conversation, bool, error)
	Get(ctx context.Context, conversationID string) (models.Conversation, error)
	// ListForUser returns the user's conversations ordered by last message
	// (newest first), then conversations without messages by creation time.
	ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	Ping(ctx context.Context) error
}

// MessageRepository persists messages and their read receipts.
type MessageRepository interface {
	// Create stores msg and advances its conversation's last message time.
	Create(ctx context.Context, msg models.Message) error
	// List returns at most page.Limit messages in ascending (createdAt, id)
	// order. Without a cursor, or with Before, the newest matching ones are
	// returned; with After, the oldest.
	List(ctx context.Context, conversationID string, page models.Page) ([]models.Message, error)
	// MarkRead records a receipt for readerID on each listed message of the
	// conversation that readerID did not send and has not read yet. It returns
	// the ids that gained a receipt.
	MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string, at time.Time) ([]string, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// UserDirectory resolves display data owned by the account subsystem.
type UserDirectory interface {
	Profiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error)
}
