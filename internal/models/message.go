package models

import "time"

// MessageKind selects how a message body is rendered.
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
)

// Valid reports whether k is a known kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile:
		return true
	}
	return false
}

// Attachment references an uploaded object; the bytes live in blob storage.
type Attachment struct {
	URL         string `bson:"url" json:"url"`
	Name        string `bson:"name" json:"name"`
	Size        int64  `bson:"size" json:"size"`
	ContentType string `bson:"content_type" json:"contentType"`
}

// ReadReceipt records that a user has seen a message.
type ReadReceipt struct {
	UserID string    `db:"user_id" bson:"user_id" json:"userId"`
	ReadAt time.Time `db:"read_at" bson:"read_at" json:"readAt"`
}

// Message belongs to exactly one conversation and is immutable except for
// ReadBy, which only grows.
type Message struct {
	ID             string        `bson:"_id" json:"id"`
	ConversationID string        `bson:"conversation_id" json:"conversationId"`
	SenderID       string        `bson:"sender_id" json:"senderId"`
	Kind           MessageKind   `bson:"kind" json:"kind"`
	Content        string        `bson:"content,omitempty" json:"content,omitempty"`
	Attachment     *Attachment   `bson:"attachment,omitempty" json:"attachment,omitempty"`
	CreatedAt      time.Time     `bson:"created_at" json:"createdAt"`
	ReadBy         []ReadReceipt `bson:"read_by" json:"readBy"`
}

// ReadByUser reports whether userID already has a receipt on m.
func (m Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// MessageDraft is the caller-supplied part of a new message.
type MessageDraft struct {
	Kind       MessageKind
	Content    string
	Attachment *Attachment
}

// Page bounds a history query. Before and After are exclusive cursors on
// (createdAt, id); at most one of them is honored, Before taking precedence.
// With an empty id the cursor excludes every message at that instant.
type Page struct {
	Before   *time.Time
	BeforeID string
	After    *time.Time
	AfterID  string
	Limit    int
}

// Admits reports whether m lies on the requested side of the cursor.
func (p Page) Admits(m Message) bool {
	switch {
	case p.Before != nil:
		if m.CreatedAt.Equal(*p.Before) {
			return p.BeforeID != "" && m.ID < p.BeforeID
		}
		return m.CreatedAt.Before(*p.Before)
	case p.After != nil:
		if m.CreatedAt.Equal(*p.After) {
			return p.AfterID != "" && m.ID > p.AfterID
		}
		return m.CreatedAt.After(*p.After)
	}
	return true
}
