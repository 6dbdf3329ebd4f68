package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillsync-chat/internal/cache"
	"skillsync-chat/internal/models"
	"skillsync-chat/internal/repositories"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
	gets int
}

func newMapCache() *mapCache { return &mapCache{data: map[string]string{}} }

func (c *mapCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
	return nil
}

func (c *mapCache) Del(_ context.Context, keys ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := c.data[k]; ok {
			delete(c.data, k)
			n++
		}
	}
	return n, nil
}

func (c *mapCache) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := strconv.ParseInt(c.data[key], 10, 64)
	n++
	c.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (c *mapCache) Ping(context.Context) error { return nil }
func (c *mapCache) Close() error               { return nil }

func (c *mapCache) value(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key]
}

// stepClock advances one second on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// hookedMessages runs afterCount once, between computing an unread count
// and returning it.
type hookedMessages struct {
	repositories.MessageRepository
	afterCount func()
}

func (h *hookedMessages) CountUnread(ctx context.Context, userID string) (int, error) {
	n, err := h.MessageRepository.CountUnread(ctx, userID)
	if fn := h.afterCount; fn != nil {
		h.afterCount = nil
		fn()
	}
	return n, err
}

func sequentialIDs() func() string {
	seq := 0
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("id-%04d", seq)
	}
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *repositories.Memory) {
	t.Helper()
	mem := repositories.NewMemory()
	clock := &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now), WithIDGenerator(sequentialIDs())}, opts...)
	return New(mem, mem, opts...), mem
}

func text(content string) models.MessageDraft {
	return models.MessageDraft{Kind: models.MessageKindText, Content: content}
}

func TestFindOrCreateConversationIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := "job-7"

	first, created, err := s.FindOrCreateConversation(ctx, "alice", "bob", &job)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"alice", "bob"}, first.Participants())
	require.NotNil(t, first.JobID)

	other := "job-9"
	second, created, err := s.FindOrCreateConversation(ctx, "bob", "alice", &other)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "job-7", *second.JobID)
}

func TestFindOrCreateConversationConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u1", "u2"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := s.FindOrCreateConversation(ctx, a, b, nil)
			assert.NoError(t, err)
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestFindOrCreateConversationRejectsInvalidPairs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.FindOrCreateConversation(ctx, "alice", "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidParticipants)
	_, _, err = s.FindOrCreateConversation(ctx, "", "bob", nil)
	assert.ErrorIs(t, err, ErrInvalidParticipants)
}

func TestAppendMessageValidatesDraft(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob", nil)
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, conv.ID, "alice", text("   "))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = s.AppendMessage(ctx, conv.ID, "alice", models.MessageDraft{Kind: models.MessageKindFile})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = s.AppendMessage(ctx, conv.ID, "alice", models.MessageDraft{Kind: "video", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	msg, err := s.AppendMessage(ctx, conv.ID, "alice", models.MessageDraft{
		Kind:       models.MessageKindImage,
		Attachment: &models.Attachment{URL: "/uploads/a.png", Name: "a.png", Size: 10, ContentType: "image/png"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindImage, msg.Kind)
	assert.Empty(t, msg.ReadBy)
}

func TestNonParticipantIsRejectedWithoutStateChange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob", nil)
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, conv.ID, "alice", text("hi"))
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, conv.ID, "mallory", text("spam"))
	assert.ErrorIs(t, err, ErrNotAParticipant)
	_, _, err = s.ListMessages(ctx, conv.ID, "mallory", models.Page{})
	assert.ErrorIs(t, err, ErrNotAParticipant)
	_, _, err = s.MarkRead(ctx, conv.ID, "mallory", []string{msg.ID})
	assert.ErrorIs(t, err, ErrNotAParticipant)

	msgs, _, err := s.ListMessages(ctx, conv.ID, "bob", models.Page{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].ReadBy)

	_, err = s.AppendMessage(ctx, "missing", "alice", text("hi"))
	assert.ErrorIs(t, err, ErrNotAParticipant)

	ok, err := s.IsParticipant(ctx, conv.ID, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.IsParticipant(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkReadIsMonotonicAndIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob", nil)
	require.NoError(t, err)
	m1, err := s.AppendMessage(ctx, conv.ID, "alice", text("one"))
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, conv.ID, "bob", text("two"))
	require.NoError(t, err)

	marked, readAt, err := s.MarkRead(ctx, conv.ID, "bob", []string{m1.ID, m1.ID, m2.ID, "unknown"})
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID}, marked)
	assert.False(t, readAt.IsZero())

	marked, _, err = s.MarkRead(ctx, conv.ID, "bob", []string{m1.ID})
	require.NoError(t, err)
	assert.Empty(t, marked)

	msgs, _, err := s.ListMessages(ctx, conv.ID, "alice", models.Page{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[0].ReadBy, 1)
	assert.Equal(t, "bob", msgs[0].ReadBy[0].UserID)
	assert.Equal(t, readAt, msgs[0].ReadBy[0].ReadAt)
	assert.Empty(t, msgs[1].ReadBy)
}

func TestUnreadCountScenario(t *testing.T) {
	c := newMapCache()
	s, _ := newTestStore(t, WithCache(c, time.Minute))
	ctx := context.Background()
	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob", nil)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := s.AppendMessage(ctx, conv.ID, "alice", text(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	n, err := s.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "3", c.value("chat:unread:gen:bob"))
	assert.Equal(t, "3", c.value("chat:unread:count:bob:3"))

	_, _, err = s.MarkRead(ctx, conv.ID, "bob", ids)
	require.NoError(t, err)
	assert.Equal(t, "4", c.value("chat:unread:gen:bob"))
	n, err = s.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.AppendMessage(ctx, conv.ID, "alice", text("again"))
	require.NoError(t, err)
	n, err = s.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.UnreadCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUnreadCountServesFromCache(t *testing.T) {
	c := newMapCache()
	s, _ := newTestStore(t, WithCache(c, time.Minute))
	require.NoError(t, c.Set(context.Background(), "chat:unread:count:carol:0", "42", time.Minute))

	n, err := s.UnreadCount(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestUnreadCountIgnoresCountRacingAnAppend(t *testing.T) {
	c := newMapCache()
	mem := repositories.NewMemory()
	hooked := &hookedMessages{MessageRepository: mem}
	clock := &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := New(mem, hooked, WithCache(c, time.Minute), WithClock(clock.Now), WithIDGenerator(sequentialIDs()))
	ctx := context.Background()
	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob", nil)
	require.NoError(t, err)

	hooked.afterCount = func() {
		_, err := s.AppendMessage(ctx, conv.ID, "alice", text("late"))
		require.NoError(t, err)
	}
	n, err := s.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListMessagesPagingWithinOneInstant(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mem := repositories.NewMemory()
	s := New(mem, mem, WithClock(func() time.Time { return at }), WithIDGenerator(sequentialIDs()))
	ctx := context.Background()
	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob", nil)
	require.NoError(t, err)

	var all []models.Message
	for i := 0; i < 3; i++ {
		msg, err := s.AppendMessage(ctx, conv.ID, "alice", text(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		all = append(all, msg)
	}

	first, hasMore, err := s.ListMessages(ctx, conv.ID, "bob", models.Page{Limit: 2})
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, first, 2)
	assert.Equal(t, all[1].ID, first[0].ID)

	second, hasMore, err := s.ListMessages(ctx, conv.ID, "bob", models.Page{Before: &first[0].CreatedAt, BeforeID: first[0].ID, Limit: 2})
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, second, 1)
	assert.Equal(t, all[0].ID, second[0].ID)

	forward, hasMore, err := s.ListMessages(ctx, conv.ID, "bob", models.Page{After: &second[0].CreatedAt, AfterID: second[0].ID, Limit: 1})
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, forward, 1)
	assert.Equal(t, all[1].ID, forward[0].ID)
}

func TestTimestampsKeepMicroseconds(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 123456789, time.UTC)
	mem := repositories.NewMemory()
	s := New(mem, mem, WithClock(func() time.Time { return at }))
	ctx := context.Background()
	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob", nil)
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, conv.ID, "alice", text("hi"))
	require.NoError(t, err)
	assert.Equal(t, 123456000, msg.CreatedAt.Nanosecond())
}

func TestListMessagesPaging(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob", nil)
	require.NoError(t, err)

	var all []models.Message
	for i := 0; i < 5; i++ {
		sender := "alice"
		if i%2 == 1 {
			sender = "bob"
		}
		msg, err := s.AppendMessage(ctx, conv.ID, sender, text(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		all = append(all, msg)
	}

	latest, hasMore, err := s.ListMessages(ctx, conv.ID, "bob", models.Page{Limit: 2})
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, latest, 2)
	assert.Equal(t, all[3].ID, latest[0].ID)
	assert.Equal(t, all[4].ID, latest[1].ID)

	before := latest[0].CreatedAt
	older, hasMore, err := s.ListMessages(ctx, conv.ID, "bob", models.Page{Before: &before, Limit: 2})
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, older, 2)
	assert.Equal(t, all[1].ID, older[0].ID)

	after := all[2].CreatedAt
	newer, hasMore, err := s.ListMessages(ctx, conv.ID, "bob", models.Page{After: &after, Limit: 5})
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, newer, 2)
	assert.Equal(t, all[3].ID, newer[0].ID)

	full, hasMore, err := s.ListMessages(ctx, conv.ID, "alice", models.Page{})
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, full, 5)
	for i := 1; i < len(full); i++ {
		assert.True(t, full[i-1].CreatedAt.Before(full[i].CreatedAt))
	}
}

func TestListConversationsOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	quiet, _, err := s.FindOrCreateConversation(ctx, "alice", "dave", nil)
	require.NoError(t, err)
	older, _, err := s.FindOrCreateConversation(ctx, "alice", "bob", nil)
	require.NoError(t, err)
	newer, _, err := s.FindOrCreateConversation(ctx, "alice", "carol", nil)
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, older.ID, "bob", text("first"))
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, newer.ID, "carol", text("second"))
	require.NoError(t, err)

	list, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, quiet.ID, list[2].ID)
	assert.Equal(t, "carol", list[0].CounterpartID)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "second", list[0].LastMessage.Content)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.Nil(t, list[2].LastMessage)
}

func TestNormalizePage(t *testing.T) {
	assert.Equal(t, DefaultPageLimit, NormalizePage(models.Page{}).Limit)
	assert.Equal(t, MaxPageLimit, NormalizePage(models.Page{Limit: 500}).Limit)
	now := time.Now()
	p := NormalizePage(models.Page{Before: &now, After: &now, AfterID: "m1", Limit: 3})
	assert.Nil(t, p.After)
	assert.Empty(t, p.AfterID)
	assert.Equal(t, 3, p.Limit)
	assert.Empty(t, NormalizePage(models.Page{BeforeID: "m1"}).BeforeID)
}
