package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"skillsync-chat/internal/models"
)

const (
	conversationCollection = "conversations"
	messageCollection      = "messages"
	profileCollection      = "user_profiles"
)

// MongoRepo stores conversations and messages in MongoDB. Messages live in
// their own collection and reference their conversation; read receipts are
// embedded in each message document.
type MongoRepo struct {
	DB *mongo.Database
}

// NewMongoRepo creates a new MongoRepo.
func NewMongoRepo(db *mongo.Database) *MongoRepo {
	return &MongoRepo{DB: db}
}

// BSON dates keep milliseconds, so message documents also carry their
// times as Unix microseconds and order on those.
type messageDoc struct {
	ID             string             `bson:"_id"`
	ConversationID string             `bson:"conversation_id"`
	SenderID       string             `bson:"sender_id"`
	Kind           models.MessageKind `bson:"kind"`
	Content        string             `bson:"content,omitempty"`
	Attachment     *models.Attachment `bson:"attachment,omitempty"`
	CreatedAt      time.Time          `bson:"created_at"`
	CreatedMicros  int64              `bson:"created_us"`
	ReadBy         []receiptDoc       `bson:"read_by"`
}

type receiptDoc struct {
	UserID     string    `bson:"user_id"`
	ReadAt     time.Time `bson:"read_at"`
	ReadMicros int64     `bson:"read_us"`
}

func newMessageDoc(msg models.Message) messageDoc {
	doc := messageDoc{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Kind:           msg.Kind,
		Content:        msg.Content,
		Attachment:     msg.Attachment,
		CreatedAt:      msg.CreatedAt,
		CreatedMicros:  msg.CreatedAt.UnixMicro(),
		ReadBy:         make([]receiptDoc, 0, len(msg.ReadBy)),
	}
	for _, r := range msg.ReadBy {
		doc.ReadBy = append(doc.ReadBy, newReceiptDoc(r.UserID, r.ReadAt))
	}
	return doc
}

func newReceiptDoc(userID string, at time.Time) receiptDoc {
	return receiptDoc{UserID: userID, ReadAt: at, ReadMicros: at.UnixMicro()}
}

func (d messageDoc) message() models.Message {
	msg := models.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Kind:           d.Kind,
		Content:        d.Content,
		Attachment:     d.Attachment,
		CreatedAt:      time.UnixMicro(d.CreatedMicros).UTC(),
		ReadBy:         make([]models.ReadReceipt, 0, len(d.ReadBy)),
	}
	for _, r := range d.ReadBy {
		msg.ReadBy = append(msg.ReadBy, models.ReadReceipt{UserID: r.UserID, ReadAt: time.UnixMicro(r.ReadMicros).UTC()})
	}
	return msg
}

// cursorFilter matches messages beyond page's cursor in (created_us, _id) order.
func cursorFilter(page models.Page) (bson.M, int) {
	at, id, cmp, direction := page.Before, page.BeforeID, "$lt", -1
	if at == nil && page.After != nil {
		at, id, cmp, direction = page.After, page.AfterID, "$gt", 1
	}
	if at == nil {
		return nil, -1
	}
	us := at.UnixMicro()
	if id == "" {
		return bson.M{"created_us": bson.M{cmp: us}}, direction
	}
	return bson.M{"$or": bson.A{
		bson.M{"created_us": bson.M{cmp: us}},
		bson.M{"created_us": us, "_id": bson.M{cmp: id}},
	}}, direction
}

var (
	_ ConversationRepository = (*MongoRepo)(nil)
	_ MessageRepository      = (*MongoRepo)(nil)
	_ UserDirectory          = (*MongoRepo)(nil)
)

// CreateOrGet depends on the unique (user1_id, user2_id) index.
func (r *MongoRepo) CreateOrGet(ctx context.Context, conv models.Conversation) (models.Conversation, bool, error) {
	_, err := r.DB.Collection(conversationCollection).InsertOne(ctx, conv)
	if err == nil {
		return conv, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return models.Conversation{}, false, err
	}
	var stored models.Conversation
	err = r.DB.Collection(conversationCollection).
		FindOne(ctx, bson.M{"user1_id": conv.User1ID, "user2_id": conv.User2ID}).
		Decode(&stored)
	if err != nil {
		return models.Conversation{}, false, err
	}
	return stored, false, nil
}

func (r *MongoRepo) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.DB.Collection(conversationCollection).FindOne(ctx, bson.M{"_id": conversationID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

func (r *MongoRepo) conversationsFor(ctx context.Context, userID string) ([]models.Conversation, error) {
	cursor, err := r.DB.Collection(conversationCollection).Find(ctx, bson.M{"$or": bson.A{
		bson.M{"user1_id": userID},
		bson.M{"user2_id": userID},
	}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var convs []models.Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func unreadFilter(userID string, conversationIDs ...string) bson.M {
	return bson.M{
		"conversation_id": bson.M{"$in": conversationIDs},
		"sender_id":       bson.M{"$ne": userID},
		"read_by.user_id": bson.M{"$ne": userID},
	}
}

func (r *MongoRepo) ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	convs, err := r.conversationsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	messages := r.DB.Collection(messageCollection)
	result := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := models.ConversationSummary{Conversation: conv, CounterpartID: conv.Counterpart(userID)}
		if conv.LastMessageAt != nil {
			var last messageDoc
			err := messages.FindOne(ctx, bson.M{"conversation_id": conv.ID},
				options.FindOne().SetSort(bson.D{{Key: "created_us", Value: -1}, {Key: "_id", Value: -1}})).Decode(&last)
			switch {
			case err == nil:
				msg := last.message()
				summary.LastMessage = &msg
			case !errors.Is(err, mongo.ErrNoDocuments):
				return nil, err
			}
			unread, err := messages.CountDocuments(ctx, unreadFilter(userID, conv.ID))
			if err != nil {
				return nil, err
			}
			summary.UnreadCount = int(unread)
		}
		result = append(result, summary)
	}
	sortSummaries(result)
	return result, nil
}

func (r *MongoRepo) Ping(ctx context.Context) error {
	return r.DB.Client().Ping(ctx, nil)
}

// Create inserts the message, then bumps the conversation's last message
// time. Once the insert succeeds the message exists, so a failed bump is
// logged rather than returned; it only affects conversation ordering.
func (r *MongoRepo) Create(ctx context.Context, msg models.Message) error {
	if _, err := r.DB.Collection(messageCollection).InsertOne(ctx, newMessageDoc(msg)); err != nil {
		return err
	}
	_, err := r.DB.Collection(conversationCollection).UpdateOne(ctx,
		bson.M{"_id": msg.ConversationID},
		bson.M{"$max": bson.M{"last_message_at": msg.CreatedAt}})
	if err != nil {
		log.Warn().Err(err).
			Str("conversation_id", msg.ConversationID).
			Str("message_id", msg.ID).
			Msg("update last message time failed")
	}
	return nil
}

func (r *MongoRepo) List(ctx context.Context, conversationID string, page models.Page) ([]models.Message, error) {
	filter := bson.M{"conversation_id": conversationID}
	cursorMatch, direction := cursorFilter(page)
	for k, v := range cursorMatch {
		filter[k] = v
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_us", Value: direction}, {Key: "_id", Value: direction}}).
		SetLimit(int64(page.Limit))

	cursor, err := r.DB.Collection(messageCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.message())
	}
	if direction < 0 {
		reverse(msgs)
	}
	return msgs, nil
}

// MarkRead updates one message at a time so the result reports exactly the
// receipts this call added; the filter keeps a reader from appearing twice.
func (r *MongoRepo) MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string, at time.Time) ([]string, error) {
	marked := []string{}
	coll := r.DB.Collection(messageCollection)
	for _, id := range messageIDs {
		res, err := coll.UpdateOne(ctx,
			bson.M{
				"_id":             id,
				"conversation_id": conversationID,
				"sender_id":       bson.M{"$ne": readerID},
				"read_by.user_id": bson.M{"$ne": readerID},
			},
			bson.M{"$push": bson.M{"read_by": newReceiptDoc(readerID, at)}})
		if err != nil {
			return marked, err
		}
		if res.ModifiedCount > 0 {
			marked = append(marked, id)
		}
	}
	return marked, nil
}

func (r *MongoRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	convs, err := r.conversationsFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(convs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	count, err := r.DB.Collection(messageCollection).CountDocuments(ctx, unreadFilter(userID, ids...))
	return int(count), err
}

func (r *MongoRepo) Profiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	out := make(map[string]models.UserProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cursor, err := r.DB.Collection(profileCollection).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var users []models.UserProfile
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}
