package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"skillsync-chat/internal/models"
	"skillsync-chat/internal/storage"
)

// ConversationServiceMock stands in for the conversation store.
type ConversationServiceMock struct {
	mock.Mock
}

func (m *ConversationServiceMock) FindOrCreateConversation(ctx context.Context, userA, userB string, jobID *string) (models.Conversation, bool, error) {
	args := m.Called(ctx, userA, userB, jobID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ConversationServiceMock) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *ConversationServiceMock) AppendMessage(ctx context.Context, conversationID, senderID string, draft models.MessageDraft) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, draft)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ConversationServiceMock) ListMessages(ctx context.Context, conversationID, requesterID string, page models.Page) ([]models.Message, bool, error) {
	args := m.Called(ctx, conversationID, requesterID, page)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Bool(1), args.Error(2)
}

func (m *ConversationServiceMock) MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, time.Time, error) {
	args := m.Called(ctx, conversationID, readerID, messageIDs)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	var at time.Time
	if val := args.Get(1); val != nil {
		at = val.(time.Time)
	}
	return ids, at, args.Error(2)
}

func (m *ConversationServiceMock) UnreadCount(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *ConversationServiceMock) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

// UserDirectoryMock stands in for the account subsystem's user directory.
type UserDirectoryMock struct {
	mock.Mock
}

func (m *UserDirectoryMock) Profiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	args := m.Called(ctx, ids)
	var profiles map[string]models.UserProfile
	if val := args.Get(0); val != nil {
		profiles = val.(map[string]models.UserProfile)
	}
	return profiles, args.Error(1)
}

type BlobStoreMock struct {
	mock.Mock
}

func (m *BlobStoreMock) Save(ctx context.Context, upload storage.Upload) (models.Attachment, error) {
	args := m.Called(ctx, upload)
	var att models.Attachment
	if val := args.Get(0); val != nil {
		att = val.(models.Attachment)
	}
	return att, args.Error(1)
}

func (m *BlobStoreMock) Delete(ctx context.Context, att models.Attachment) error {
	args := m.Called(ctx, att)
	return args.Error(0)
}
