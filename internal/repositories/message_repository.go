package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"skillsync-chat/internal/models"
)

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, kind, content, attachment_url, attachment_name, attachment_size, attachment_type, created_at`

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	Kind           string         `db:"kind"`
	Content        string         `db:"content"`
	AttachmentURL  sql.NullString `db:"attachment_url"`
	AttachmentName sql.NullString `db:"attachment_name"`
	AttachmentSize sql.NullInt64  `db:"attachment_size"`
	AttachmentType sql.NullString `db:"attachment_type"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (row messageRow) toModel() models.Message {
	msg := models.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Kind:           models.MessageKind(row.Kind),
		Content:        row.Content,
		CreatedAt:      row.CreatedAt,
		ReadBy:         []models.ReadReceipt{},
	}
	if row.AttachmentURL.Valid {
		msg.Attachment = &models.Attachment{
			URL:         row.AttachmentURL.String,
			Name:        row.AttachmentName.String,
			Size:        row.AttachmentSize.Int64,
			ContentType: row.AttachmentType.String,
		}
	}
	return msg
}

// Create stores a message and bumps the conversation's last message time in
// one transaction.
func (r *MessageRepo) Create(ctx context.Context, msg models.Message) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var url, name, contentType sql.NullString
	var size sql.NullInt64
	if a := msg.Attachment; a != nil {
		url = sql.NullString{String: a.URL, Valid: true}
		name = sql.NullString{String: a.Name, Valid: true}
		size = sql.NullInt64{Int64: a.Size, Valid: true}
		contentType = sql.NullString{String: a.ContentType, Valid: true}
	}

	if _, err = tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.ConversationID, msg.SenderID, string(msg.Kind), msg.Content, url, name, size, contentType, msg.CreatedAt); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations
        SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
        WHERE id=$1`, msg.ConversationID, msg.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns a page of messages in chronological order.
func (r *MessageRepo) List(ctx context.Context, conversationID string, page models.Page) ([]models.Message, error) {
	var (
		rows []messageRow
		err  error
	)
	switch {
	case page.Before != nil && page.BeforeID != "":
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 AND (created_at, id) < ($2, $3)
            ORDER BY created_at DESC, id DESC LIMIT $4`, conversationID, *page.Before, page.BeforeID, page.Limit)
		reverse(rows)
	case page.Before != nil:
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 AND created_at < $2
            ORDER BY created_at DESC, id DESC LIMIT $3`, conversationID, *page.Before, page.Limit)
		reverse(rows)
	case page.After != nil && page.AfterID != "":
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 AND (created_at, id) > ($2, $3)
            ORDER BY created_at ASC, id ASC LIMIT $4`, conversationID, *page.After, page.AfterID, page.Limit)
	case page.After != nil:
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 AND created_at > $2
            ORDER BY created_at ASC, id ASC LIMIT $3`, conversationID, *page.After, page.Limit)
	default:
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1
            ORDER BY created_at DESC, id DESC LIMIT $2`, conversationID, page.Limit)
		reverse(rows)
	}
	if err != nil {
		return nil, err
	}
	return attachReceipts(ctx, r.db, rows)
}

// MarkRead inserts missing receipts; existing ones are left untouched.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string, at time.Time) ([]string, error) {
	if len(messageIDs) == 0 {
		return []string{}, nil
	}
	marked := []string{}
	err := r.db.SelectContext(ctx, &marked, `INSERT INTO message_reads (message_id, user_id, read_at)
        SELECT id, $2, $3 FROM messages
        WHERE conversation_id=$1 AND id = ANY($4) AND sender_id <> $2
        ON CONFLICT (message_id, user_id) DO NOTHING
        RETURNING message_id`, conversationID, readerID, at, pq.Array(messageIDs))
	return marked, err
}

// CountUnread counts messages addressed to the user that carry no receipt from them.
func (r *MessageRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages m
        INNER JOIN conversations c ON c.id = m.conversation_id
        WHERE (c.user1_id=$1 OR c.user2_id=$1) AND m.sender_id <> $1
        AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $1)`, userID)
	return count, err
}

func attachReceipts(ctx context.Context, db sqlx.QueryerContext, rows []messageRow) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(rows))
	if len(rows) == 0 {
		return msgs, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var receipts []struct {
		MessageID string `db:"message_id"`
		models.ReadReceipt
	}
	if err := sqlx.SelectContext(ctx, db, &receipts, `SELECT message_id, user_id, read_at FROM message_reads
        WHERE message_id = ANY($1) ORDER BY read_at ASC`, pq.Array(ids)); err != nil {
		return nil, err
	}
	byMessage := map[string][]models.ReadReceipt{}
	for _, rc := range receipts {
		byMessage[rc.MessageID] = append(byMessage[rc.MessageID], rc.ReadReceipt)
	}

	for _, row := range rows {
		msg := row.toModel()
		if rs, ok := byMessage[msg.ID]; ok {
			msg.ReadBy = rs
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
