package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"skillsync-chat/internal/models"
)

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, user1_id, user2_id, job_id, created_at, last_message_at`

// CreateOrGet relies on UNIQUE(user1_id, user2_id) so concurrent starts for
// the same pair converge on a single row.
func (r *ConversationRepo) CreateOrGet(ctx context.Context, conv models.Conversation) (models.Conversation, bool, error) {
	var stored models.Conversation
	err := r.db.GetContext(ctx, &stored, `INSERT INTO conversations (id, user1_id, user2_id, job_id, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user1_id, user2_id) DO NOTHING
        RETURNING `+conversationColumns, conv.ID, conv.User1ID, conv.User2ID, conv.JobID, conv.CreatedAt)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, false, err
	}

	err = r.db.GetContext(ctx, &stored, `SELECT `+conversationColumns+` FROM conversations WHERE user1_id=$1 AND user2_id=$2`, conv.User1ID, conv.User2ID)
	if err != nil {
		return models.Conversation{}, false, err
	}
	return stored, false, nil
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

type conversationListRow struct {
	models.Conversation
	UnreadCount int `db:"unread_count"`
}

// ListForUser returns the user's conversations with last message and unread count.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.user1_id, c.user2_id, c.job_id, c.created_at, c.last_message_at,
            (SELECT COUNT(*) FROM messages m
              WHERE m.conversation_id = c.id AND m.sender_id <> $1
              AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $1)) AS unread_count
        FROM conversations c
        WHERE c.user1_id=$1 OR c.user2_id=$1
        ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC, c.id DESC`
	var rows []conversationListRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []models.ConversationSummary{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.LastMessageAt != nil {
			ids = append(ids, row.ID)
		}
	}
	last, err := r.lastMessages(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]models.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		summary := models.ConversationSummary{
			Conversation:  row.Conversation,
			CounterpartID: row.Counterpart(userID),
			UnreadCount:   row.UnreadCount,
		}
		if msg, ok := last[row.ID]; ok {
			m := msg
			summary.LastMessage = &m
		}
		result = append(result, summary)
	}
	return result, nil
}

func (r *ConversationRepo) lastMessages(ctx context.Context, conversationIDs []string) (map[string]models.Message, error) {
	out := map[string]models.Message{}
	if len(conversationIDs) == 0 {
		return out, nil
	}
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT DISTINCT ON (conversation_id) `+messageColumns+`
        FROM messages WHERE conversation_id = ANY($1)
        ORDER BY conversation_id, created_at DESC, id DESC`, pq.Array(conversationIDs))
	if err != nil {
		return nil, err
	}
	msgs, err := attachReceipts(ctx, r.db, rows)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		out[m.ConversationID] = m
	}
	return out, nil
}

// Ping verifies the database is reachable.
func (r *ConversationRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
