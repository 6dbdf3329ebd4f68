package models

import "time"

// Conversation is a 1:1 thread between exactly two users. Participants are
// stored sorted so the pair has a single canonical form.
type Conversation struct {
	ID            string     `db:"id" bson:"_id" json:"id"`
	User1ID       string     `db:"user1_id" bson:"user1_id" json:"-"`
	User2ID       string     `db:"user2_id" bson:"user2_id" json:"-"`
	JobID         *string    `db:"job_id" bson:"job_id,omitempty" json:"jobId,omitempty"`
	CreatedAt     time.Time  `db:"created_at" bson:"created_at" json:"createdAt"`
	LastMessageAt *time.Time `db:"last_message_at" bson:"last_message_at,omitempty" json:"lastMessageAt,omitempty"`
}

// Participants returns both user ids in stored order.
func (c Conversation) Participants() []string {
	return []string{c.User1ID, c.User2ID}
}

// HasParticipant reports whether userID is one of the two members.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.User1ID == userID || c.User2ID == userID)
}

// Counterpart returns the other member, or "" when userID is not a member.
func (c Conversation) Counterpart(userID string) string {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return ""
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation
	CounterpartID string   `json:"counterpartId"`
	LastMessage   *Message `json:"lastMessage,omitempty"`
	UnreadCount   int      `json:"unreadCount"`
}

// UserProfile is the slice of the account subsystem's user record that chat
// responses are enriched with.
type UserProfile struct {
	ID     string `db:"id" bson:"_id" json:"id"`
	Name   string `db:"name" bson:"name" json:"name"`
	Avatar string `db:"avatar_url" bson:"avatar_url" json:"avatar,omitempty"`
}
