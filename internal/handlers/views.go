package handlers

import (
	"time"

	"skillsync-chat/internal/models"
)

type conversationView struct {
	ID            string              `json:"id"`
	Participants  []string            `json:"participants"`
	JobID         *string             `json:"jobId,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	LastMessageAt *time.Time          `json:"lastMessageAt,omitempty"`
	Counterpart   *models.UserProfile `json:"counterpart,omitempty"`
	LastMessage   *messageView        `json:"lastMessage,omitempty"`
	UnreadCount   *int                `json:"unreadCount,omitempty"`
}

type messageView struct {
	models.Message
	Sender *models.UserProfile `json:"sender,omitempty"`
}

func profileOrID(profiles map[string]models.UserProfile, id string) *models.UserProfile {
	if id == "" {
		return nil
	}
	if p, ok := profiles[id]; ok {
		return &p
	}
	return &models.UserProfile{ID: id}
}

func newConversationView(conv models.Conversation, viewer string, profiles map[string]models.UserProfile) conversationView {
	return conversationView{
		ID:            conv.ID,
		Participants:  conv.Participants(),
		JobID:         conv.JobID,
		CreatedAt:     conv.CreatedAt,
		LastMessageAt: conv.LastMessageAt,
		Counterpart:   profileOrID(profiles, conv.Counterpart(viewer)),
	}
}

func newSummaryView(s models.ConversationSummary, viewer string, profiles map[string]models.UserProfile) conversationView {
	view := newConversationView(s.Conversation, viewer, profiles)
	if s.LastMessage != nil {
		last := newMessageView(*s.LastMessage, profiles)
		view.LastMessage = &last
	}
	unread := s.UnreadCount
	view.UnreadCount = &unread
	return view
}

func newMessageView(m models.Message, profiles map[string]models.UserProfile) messageView {
	if m.ReadBy == nil {
		m.ReadBy = []models.ReadReceipt{}
	}
	return messageView{Message: m, Sender: profileOrID(profiles, m.SenderID)}
}

func newMessageViews(msgs []models.Message, profiles map[string]models.UserProfile) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageView(m, profiles))
	}
	return out
}
