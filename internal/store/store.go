// Package store is the conversation store: the single source of truth for
// conversations, messages and read receipts. It enforces membership and
// message invariants on top of the repositories.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"skillsync-chat/internal/cache"
	"skillsync-chat/internal/models"
	"skillsync-chat/internal/observability"
	"skillsync-chat/internal/repositories"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100

	unreadKeyPrefix = "chat:unread:count:"
	unreadGenPrefix = "chat:unread:gen:"
)

// Store implements the conversation store operations.
type Store struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	cache         cache.Cache
	cacheTTL      time.Duration
	now           func() time.Time
	newID         func() string
	log           zerolog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithCache caches unread counts for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Store) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces UUIDv7 id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New builds a Store over the given repositories.
func New(conversations repositories.ConversationRepository, messages repositories.MessageRepository, opts ...Option) *Store {
	s := &Store{
		conversations: conversations,
		messages:      messages,
		cache:         cache.Noop{},
		now:           time.Now,
		newID:         newUUIDv7,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// timestamp is microsecond precision, the finest every backend keeps.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func observeOp(op string, start time.Time, err *error) {
	observability.ObserveStoreOp(op, start, *err)
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}

// FindOrCreateConversation returns the conversation for the unordered pair,
// creating it when absent. jobID is only stored on creation.
func (s *Store) FindOrCreateConversation(ctx context.Context, userA, userB string, jobID *string) (conv models.Conversation, created bool, err error) {
	defer observeOp("find_or_create_conversation", time.Now(), &err)
	if userA == "" || userB == "" || userA == userB {
		return models.Conversation{}, false, ErrInvalidParticipants
	}
	pair := []string{userA, userB}
	sort.Strings(pair)

	if jobID != nil && strings.TrimSpace(*jobID) == "" {
		jobID = nil
	}
	conv, created, err = s.conversations.CreateOrGet(ctx, models.Conversation{
		ID:        s.newID(),
		User1ID:   pair[0],
		User2ID:   pair[1],
		JobID:     jobID,
		CreatedAt: s.timestamp(),
	})
	if err != nil {
		return models.Conversation{}, false, transient("find or create conversation", err)
	}
	if created {
		s.log.Info().Str("conversation_id", conv.ID).Msg("conversation created")
	}
	return conv, created, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, userID string) (list []models.ConversationSummary, err error) {
	defer observeOp("list_conversations", time.Now(), &err)
	list, err = s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, transient("list conversations", err)
	}
	return list, nil
}

// conversationFor loads the conversation and checks membership.
func (s *Store) conversationFor(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, ErrNotAParticipant
	}
	if err != nil {
		return models.Conversation{}, transient("load conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, ErrNotAParticipant
	}
	return conv, nil
}

// IsParticipant reports membership without failing on unknown conversations.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	_, err := s.conversationFor(ctx, conversationID, userID)
	if errors.Is(err, ErrNotAParticipant) {
		return false, nil
	}
	return err == nil, err
}

func validateDraft(draft models.MessageDraft) (models.MessageDraft, error) {
	if !draft.Kind.Valid() {
		return draft, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, draft.Kind)
	}
	switch draft.Kind {
	case models.MessageKindText:
		draft.Content = strings.TrimSpace(draft.Content)
		if draft.Content == "" {
			return draft, fmt.Errorf("%w: text message needs content", ErrInvalidMessage)
		}
		draft.Attachment = nil
	case models.MessageKindImage, models.MessageKindFile:
		if draft.Attachment == nil || draft.Attachment.URL == "" {
			return draft, fmt.Errorf("%w: %s message needs an attachment", ErrInvalidMessage, draft.Kind)
		}
	}
	return draft, nil
}

// AppendMessage stores a new message from sender. It is the only way
// messages are created.
func (s *Store) AppendMessage(ctx context.Context, conversationID, senderID string, draft models.MessageDraft) (msg models.Message, err error) {
	defer observeOp("append_message", time.Now(), &err)
	conv, err := s.conversationFor(ctx, conversationID, senderID)
	if err != nil {
		return models.Message{}, err
	}
	draft, err = validateDraft(draft)
	if err != nil {
		return models.Message{}, err
	}

	msg = models.Message{
		ID:             s.newID(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Kind:           draft.Kind,
		Content:        draft.Content,
		Attachment:     draft.Attachment,
		CreatedAt:      s.timestamp(),
		ReadBy:         []models.ReadReceipt{},
	}
	if err = s.messages.Create(ctx, msg); err != nil {
		return models.Message{}, transient("append message", err)
	}
	s.invalidateUnread(ctx, conv.Counterpart(senderID))
	return msg, nil
}

// NormalizePage applies the default and maximum limits and keeps a single
// cursor. An id tiebreak without its timestamp is dropped.
func NormalizePage(page models.Page) models.Page {
	switch {
	case page.Limit <= 0:
		page.Limit = DefaultPageLimit
	case page.Limit > MaxPageLimit:
		page.Limit = MaxPageLimit
	}
	if page.Before != nil {
		page.After = nil
	}
	if page.Before == nil {
		page.BeforeID = ""
	}
	if page.After == nil {
		page.AfterID = ""
	}
	return page
}

// ListMessages returns a chronological page of history and whether more
// messages exist beyond it in the paging direction.
func (s *Store) ListMessages(ctx context.Context, conversationID, requesterID string, page models.Page) (msgs []models.Message, hasMore bool, err error) {
	defer observeOp("list_messages", time.Now(), &err)
	if _, err = s.conversationFor(ctx, conversationID, requesterID); err != nil {
		return nil, false, err
	}
	page = NormalizePage(page)
	limit := page.Limit
	page.Limit = limit + 1

	msgs, err = s.messages.List(ctx, conversationID, page)
	if err != nil {
		return nil, false, transient("list messages", err)
	}
	if len(msgs) > limit {
		hasMore = true
		if page.After != nil {
			msgs = msgs[:limit]
		} else {
			msgs = msgs[len(msgs)-limit:]
		}
	}
	return msgs, hasMore, nil
}

// MarkRead adds a receipt from reader to each listed message it has not
// read and did not send. Unknown ids are ignored. It returns the ids that
// gained a receipt and the receipt time.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) (marked []string, readAt time.Time, err error) {
	defer observeOp("mark_read", time.Now(), &err)
	if _, err = s.conversationFor(ctx, conversationID, readerID); err != nil {
		return nil, time.Time{}, err
	}
	ids := dedupe(messageIDs)
	readAt = s.timestamp()
	if len(ids) == 0 {
		return []string{}, readAt, nil
	}

	marked, err = s.messages.MarkRead(ctx, conversationID, readerID, ids, readAt)
	if err != nil {
		return nil, time.Time{}, transient("mark read", err)
	}
	if len(marked) > 0 {
		s.invalidateUnread(ctx, readerID)
	}
	return marked, readAt, nil
}

// UnreadCount returns how many messages across all of the user's
// conversations were sent by someone else and not read by the user.
func (s *Store) UnreadCount(ctx context.Context, userID string) (count int, err error) {
	defer observeOp("unread_count", time.Now(), &err)
	key, cacheable := s.unreadKey(ctx, userID)
	if cacheable {
		if cached, cerr := s.cache.Get(ctx, key); cerr == nil {
			if n, perr := strconv.Atoi(cached); perr == nil {
				return n, nil
			}
		} else if !errors.Is(cerr, cache.ErrMiss) {
			s.log.Warn().Err(cerr).Str("user_id", userID).Msg("unread cache read failed")
		}
	}

	count, err = s.messages.CountUnread(ctx, userID)
	if err != nil {
		return 0, transient("count unread", err)
	}
	if !cacheable {
		return count, nil
	}
	if cerr := s.cache.Set(ctx, key, strconv.Itoa(count), s.cacheTTL); cerr != nil {
		s.log.Warn().Err(cerr).Str("user_id", userID).Msg("unread cache write failed")
	}
	return count, nil
}

// unreadKey names the cache entry for the user's current generation. The
// generation is read before counting, so a count that raced with an
// invalidation is written under a key no later reader asks for.
func (s *Store) unreadKey(ctx context.Context, userID string) (string, bool) {
	gen, err := s.cache.Get(ctx, unreadGenPrefix+userID)
	switch {
	case errors.Is(err, cache.ErrMiss):
		gen = "0"
	case err != nil:
		s.log.Warn().Err(err).Str("user_id", userID).Msg("unread generation read failed")
		return "", false
	}
	return unreadKeyPrefix + userID + ":" + gen, true
}

// Ping reports whether the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.conversations.Ping(ctx)
}

func (s *Store) invalidateUnread(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if _, err := s.cache.Incr(ctx, unreadGenPrefix+userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("unread cache invalidation failed")
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
