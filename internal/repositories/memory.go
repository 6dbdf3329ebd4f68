package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"skillsync-chat/internal/models"
)

// Memory keeps conversations and messages in process memory. It implements
// ConversationRepository, MessageRepository and UserDirectory and is used for
// local runs and tests.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	pairs         map[[2]string]string
	messages      map[string][]models.Message
	profiles      map[string]models.UserProfile
}

// NewMemory returns an empty Memory repository.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]models.Conversation),
		pairs:         make(map[[2]string]string),
		messages:      make(map[string][]models.Message),
		profiles:      make(map[string]models.UserProfile),
	}
}

var (
	_ ConversationRepository = (*Memory)(nil)
	_ MessageRepository      = (*Memory)(nil)
	_ UserDirectory          = (*Memory)(nil)
)

func (m *Memory) CreateOrGet(_ context.Context, conv models.Conversation) (models.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{conv.User1ID, conv.User2ID}
	if id, ok := m.pairs[key]; ok {
		return m.conversations[id], false, nil
	}
	m.pairs[key] = conv.ID
	m.conversations[conv.ID] = conv
	return conv, true, nil
}

func (m *Memory) Get(_ context.Context, conversationID string) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (m *Memory) ListForUser(_ context.Context, userID string) ([]models.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.ConversationSummary{}
	for _, conv := range m.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		summary := models.ConversationSummary{Conversation: conv, CounterpartID: conv.Counterpart(userID)}
		msgs := m.messages[conv.ID]
		if len(msgs) > 0 {
			last := cloneMessage(msgs[len(msgs)-1])
			summary.LastMessage = &last
		}
		for _, msg := range msgs {
			if msg.SenderID != userID && !msg.ReadByUser(userID) {
				summary.UnreadCount++
			}
		}
		result = append(result, summary)
	}
	sortSummaries(result)
	return result, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Create(_ context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}
	msgs := m.messages[msg.ConversationID]
	i := sort.Search(len(msgs), func(i int) bool { return messageLess(msg, msgs[i]) })
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = cloneMessage(msg)
	m.messages[msg.ConversationID] = msgs

	if conv.LastMessageAt == nil || msg.CreatedAt.After(*conv.LastMessageAt) {
		at := msg.CreatedAt
		conv.LastMessageAt = &at
		m.conversations[conv.ID] = conv
	}
	return nil
}

func (m *Memory) List(_ context.Context, conversationID string, page models.Page) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var window []models.Message
	for _, msg := range m.messages[conversationID] {
		if page.Admits(msg) {
			window = append(window, msg)
		}
	}
	if page.Limit > 0 && len(window) > page.Limit {
		if page.Before == nil && page.After != nil {
			window = window[:page.Limit]
		} else {
			window = window[len(window)-page.Limit:]
		}
	}
	out := make([]models.Message, 0, len(window))
	for _, msg := range window {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, conversationID, readerID string, messageIDs []string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}
	marked := []string{}
	msgs := m.messages[conversationID]
	for i := range msgs {
		if _, ok := wanted[msgs[i].ID]; !ok {
			continue
		}
		if msgs[i].SenderID == readerID || msgs[i].ReadByUser(readerID) {
			continue
		}
		msgs[i].ReadBy = append(msgs[i].ReadBy, models.ReadReceipt{UserID: readerID, ReadAt: at})
		marked = append(marked, msgs[i].ID)
	}
	return marked, nil
}

func (m *Memory) CountUnread(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for id, conv := range m.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		for _, msg := range m.messages[id] {
			if msg.SenderID != userID && !msg.ReadByUser(userID) {
				count++
			}
		}
	}
	return count, nil
}

// PutProfile adds or replaces a directory entry.
func (m *Memory) PutProfile(p models.UserProfile) {
	m.mu.Lock()
	m.profiles[p.ID] = p
	m.mu.Unlock()
}

func (m *Memory) Profiles(_ context.Context, ids []string) (map[string]models.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.UserProfile, len(ids))
	for _, id := range ids {
		if p, ok := m.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func messageLess(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneMessage(msg models.Message) models.Message {
	out := msg
	out.ReadBy = append([]models.ReadReceipt{}, msg.ReadBy...)
	if msg.Attachment != nil {
		a := *msg.Attachment
		out.Attachment = &a
	}
	return out
}

// sortSummaries orders by last message time (newest first); conversations
// without messages follow, newest creation first.
func sortSummaries(list []models.ConversationSummary) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt != nil:
			if !a.LastMessageAt.Equal(*b.LastMessageAt) {
				return a.LastMessageAt.After(*b.LastMessageAt)
			}
		case a.LastMessageAt != nil:
			return true
		case b.LastMessageAt != nil:
			return false
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
