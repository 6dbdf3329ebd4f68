package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"skillsync-chat/internal/mocks"
	"skillsync-chat/internal/models"
	"skillsync-chat/internal/observability"
	"skillsync-chat/internal/storage"
	"skillsync-chat/internal/store"
)

type fixture struct {
	store     *mocks.ConversationServiceMock
	directory *mocks.UserDirectoryMock
	blobs     *mocks.BlobStoreMock
	router    *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		store:     new(mocks.ConversationServiceMock),
		directory: new(mocks.UserDirectoryMock),
		blobs:     new(mocks.BlobStoreMock),
	}
	handler := NewConversationHandler(f.store, f.directory, f.blobs, nil, 1<<20, zerolog.Nop())
	f.router = gin.New()
	handler.RegisterRoutes(f.router, func(c *gin.Context) {
		c.Set("userID", "alice")
		c.Next()
	})
	t.Cleanup(func() {
		f.store.AssertExpectations(t)
		f.directory.AssertExpectations(t)
		f.blobs.AssertExpectations(t)
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var (
	created = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv    = models.Conversation{ID: "c1", User1ID: "alice", User2ID: "bob", CreatedAt: created}
)

func TestListConversationsEnrichesCounterpart(t *testing.T) {
	f := newFixture(t)
	last := models.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Kind: models.MessageKindText, Content: "hi", CreatedAt: created}
	f.store.On("ListConversations", mock.Anything, "alice").Return([]models.ConversationSummary{
		{Conversation: conv, CounterpartID: "bob", LastMessage: &last, UnreadCount: 1},
	}, nil).Once()
	f.directory.On("Profiles", mock.Anything, []string{"bob"}).Return(map[string]models.UserProfile{
		"bob": {ID: "bob", Name: "Bob", Avatar: "https://img/bob.png"},
	}, nil).Once()

	rec := f.do(t, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode(t, rec)
	list := resp["conversations"].([]any)
	require.Len(t, list, 1)
	item := list[0].(map[string]any)
	assert.Equal(t, "c1", item["id"])
	assert.Equal(t, []any{"alice", "bob"}, item["participants"])
	assert.Equal(t, float64(1), item["unreadCount"])
	assert.Equal(t, "Bob", item["counterpart"].(map[string]any)["name"])
	assert.Equal(t, "hi", item["lastMessage"].(map[string]any)["content"])
}

func TestListConversationsDirectoryFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.store.On("ListConversations", mock.Anything, "alice").Return([]models.ConversationSummary{
		{Conversation: conv, CounterpartID: "bob"},
	}, nil).Once()
	f.directory.On("Profiles", mock.Anything, []string{"bob"}).Return(nil, assert.AnError).Once()

	rec := f.do(t, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	item := decode(t, rec)["conversations"].([]any)[0].(map[string]any)
	counterpart := item["counterpart"].(map[string]any)
	assert.Equal(t, "bob", counterpart["id"])
	assert.Equal(t, "", counterpart["name"])
}

func TestListConversationsTransientError(t *testing.T) {
	f := newFixture(t)
	f.store.On("ListConversations", mock.Anything, "alice").
		Return(nil, fmt.Errorf("list: %w: %w", store.ErrTransientStore, assert.AnError)).Once()

	rec := f.do(t, http.MethodGet, "/conversations", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartConversationCreatedAndExisting(t *testing.T) {
	f := newFixture(t)
	f.store.On("FindOrCreateConversation", mock.Anything, "alice", "bob", (*string)(nil)).Return(conv, true, nil).Once()
	f.store.On("FindOrCreateConversation", mock.Anything, "alice", "bob", (*string)(nil)).Return(conv, false, nil).Once()
	f.directory.On("Profiles", mock.Anything, []string{"bob"}).Return(map[string]models.UserProfile{}, nil).Twice()

	rec := f.do(t, http.MethodPost, "/conversations/start", gin.H{"participantId": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, true, resp["created"])
	assert.Equal(t, "c1", resp["conversation"].(map[string]any)["id"])

	rec = f.do(t, http.MethodPost, "/conversations/start", gin.H{"participantId": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["created"])
}

func TestStartConversationWithSelf(t *testing.T) {
	f := newFixture(t)
	f.store.On("FindOrCreateConversation", mock.Anything, "alice", "alice", (*string)(nil)).
		Return(nil, false, store.ErrInvalidParticipants).Once()

	rec := f.do(t, http.MethodPost, "/conversations/start", gin.H{"participantId": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/conversations/start", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnreadCount(t *testing.T) {
	f := newFixture(t)
	f.store.On("UnreadCount", mock.Anything, "alice").Return(4, nil).Once()

	rec := f.do(t, http.MethodGet, "/conversations/unread/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), decode(t, rec)["count"])
}

func TestListMessagesPassesCursor(t *testing.T) {
	f := newFixture(t)
	before := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	msgs := []models.Message{{ID: "m1", ConversationID: "c1", SenderID: "bob", Kind: models.MessageKindText, Content: "hey", CreatedAt: created}}
	f.store.On("ListMessages", mock.Anything, "c1", "alice", models.Page{Before: &before, BeforeID: "m5", Limit: 20}).Return(msgs, true, nil).Once()
	f.directory.On("Profiles", mock.Anything, []string{"bob"}).Return(map[string]models.UserProfile{"bob": {ID: "bob", Name: "Bob"}}, nil).Once()

	rec := f.do(t, http.MethodGet, "/conversations/c1/messages?before=2024-05-02T00:00:00Z&beforeId=m5&limit=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, true, resp["hasMore"])
	item := resp["messages"].([]any)[0].(map[string]any)
	assert.Equal(t, "Bob", item["sender"].(map[string]any)["name"])
	assert.Equal(t, []any{}, item["readBy"])
}

func TestListMessagesRejectsBadCursor(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/conversations/c1/messages?after=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/conversations/c1/messages?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMessagesNonParticipant(t *testing.T) {
	f := newFixture(t)
	f.store.On("ListMessages", mock.Anything, "c9", "alice", models.Page{}).Return(nil, false, store.ErrNotAParticipant).Once()

	rec := f.do(t, http.MethodGet, "/conversations/c9/messages", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostMessagePublishesEvent(t *testing.T) {
	f := newFixture(t)
	pub := new(mocks.PublisherMock)
	observability.SetPublisher(pub)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	draft := models.MessageDraft{Kind: models.MessageKindText, Content: "hello"}
	msg := models.Message{ID: "m2", ConversationID: "c1", SenderID: "alice", Kind: models.MessageKindText, Content: "hello", CreatedAt: created}
	f.store.On("AppendMessage", mock.Anything, "c1", "alice", draft).Return(msg, nil).Once()
	f.directory.On("Profiles", mock.Anything, []string{"alice"}).Return(map[string]models.UserProfile{}, nil).Once()
	pub.On("Publish", mock.Anything, EventMessageCreated, mock.AnythingOfType("observability.EventEnvelope"), mock.Anything).Return(nil).Once()

	rec := f.do(t, http.MethodPost, "/conversations/c1/messages", gin.H{"content": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "m2", decode(t, rec)["id"])
	pub.AssertExpectations(t)
}

func TestPostMessageValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/conversations/c1/messages", gin.H{"content": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	draft := models.MessageDraft{Kind: models.MessageKindText, Content: " "}
	f.store.On("AppendMessage", mock.Anything, "c1", "alice", draft).Return(nil, store.ErrInvalidMessage).Once()
	rec = f.do(t, http.MethodPost, "/conversations/c1/messages", gin.H{"content": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartRequest(t *testing.T, path, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadFileCreatesImageMessage(t *testing.T) {
	f := newFixture(t)
	att := models.Attachment{URL: "/uploads/x.png", Name: "cat.png", Size: 3, ContentType: "image/png"}
	f.store.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil).Once()
	f.blobs.On("Save", mock.Anything, mock.MatchedBy(func(u storage.Upload) bool {
		return u.Name == "cat.png" && u.Size == 3
	})).Return(att, nil).Once()
	draft := models.MessageDraft{Kind: models.MessageKindImage, Attachment: &att}
	msg := models.Message{ID: "m3", ConversationID: "c1", SenderID: "alice", Kind: models.MessageKindImage, Attachment: &att, CreatedAt: created}
	f.store.On("AppendMessage", mock.Anything, "c1", "alice", draft).Return(msg, nil).Once()
	f.directory.On("Profiles", mock.Anything, []string{"alice"}).Return(map[string]models.UserProfile{}, nil).Once()

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, multipartRequest(t, "/conversations/c1/files", "cat.png", []byte{1, 2, 3}))
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "image", resp["kind"])
	assert.Equal(t, "/uploads/x.png", resp["attachment"].(map[string]any)["url"])
}

func TestUploadFileRemovesBlobWhenAppendFails(t *testing.T) {
	f := newFixture(t)
	att := models.Attachment{URL: "/uploads/y.png", Name: "dog.png", Size: 3, ContentType: "image/png"}
	f.store.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil).Once()
	f.blobs.On("Save", mock.Anything, mock.Anything).Return(att, nil).Once()
	f.store.On("AppendMessage", mock.Anything, "c1", "alice", mock.Anything).
		Return(models.Message{}, fmt.Errorf("append: %w: %w", store.ErrTransientStore, assert.AnError)).Once()
	f.blobs.On("Delete", mock.Anything, att).Return(nil).Once()

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, multipartRequest(t, "/conversations/c1/files", "dog.png", []byte{1, 2, 3}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUploadFileRejections(t *testing.T) {
	f := newFixture(t)
	f.store.On("IsParticipant", mock.Anything, "c1", "alice").Return(true, nil).Once()
	f.blobs.On("Save", mock.Anything, mock.Anything).Return(nil, storage.ErrUnsupportedFileType).Once()

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, multipartRequest(t, "/conversations/c1/files", "a.exe", []byte("MZ")))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	f.store.On("IsParticipant", mock.Anything, "c2", "alice").Return(false, nil).Once()
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, multipartRequest(t, "/conversations/c2/files", "a.txt", []byte("hi")))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, multipartRequest(t, "/conversations/c1/files", "big.bin", bytes.Repeat([]byte{0}, 3<<20)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	readAt := created.Add(time.Minute)
	f.store.On("MarkRead", mock.Anything, "c1", "alice", []string{"m1", "m2"}).Return([]string{"m1"}, readAt, nil).Once()

	rec := f.do(t, http.MethodPut, "/conversations/c1/read", gin.H{"messageIds": []string{"m1", "m2"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"m1"}, decode(t, rec)["updated"])

	rec = f.do(t, http.MethodPut, "/conversations/c1/read", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
