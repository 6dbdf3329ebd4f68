package ws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"skillsync-chat/internal/models"
	"skillsync-chat/internal/observability"
)

// maxCachedMemberships bounds the per-connection membership cache.
const maxCachedMemberships = 256

// MembershipChecker is the read-only store probe the relay uses to verify
// both ends of a relayed event.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type typingState struct {
	recipientID string
	timer       *time.Timer
}

// Relay forwards ephemeral events between the two participants of a
// conversation. It never persists anything.
type Relay struct {
	registry  *Registry
	members   MembershipChecker
	typingTTL time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewRelay builds a Relay. members may be nil, in which case only the
// sender/recipient shape of each frame is checked.
func NewRelay(registry *Registry, members MembershipChecker, typingTTL time.Duration, log zerolog.Logger) *Relay {
	return &Relay{
		registry:  registry,
		members:   members,
		typingTTL: typingTTL,
		log:       log.With().Str("component", "relay").Logger(),
		now:       time.Now,
	}
}

// Registry returns the registry the relay delivers through.
func (r *Relay) Registry() *Registry { return r.registry }

// Online lists connected users.
func (r *Relay) Online() []string { return r.registry.Online() }

// Serve registers conn, processes its frames until the socket closes and
// then tears down its state. It blocks for the life of the connection.
func (r *Relay) Serve(ctx context.Context, conn *Connection) error {
	r.registry.Register(conn)
	conn.Start()
	observability.IncWSActive()
	defer func() {
		r.registry.Unregister(conn)
		r.stopAllTyping(conn)
		conn.Close(1000, "")
		observability.DecWSActive()
	}()

	return conn.ReadLoop(func(data []byte) {
		r.HandleFrame(ctx, conn, data)
	})
}

// HandleFrame dispatches one inbound frame. Malformed or unauthorized
// frames are dropped without a reply.
func (r *Relay) HandleFrame(ctx context.Context, conn *Connection, data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		r.reject(conn, "malformed", "unparseable frame")
		return
	}

	switch frame.Event {
	case models.EventJoin:
		var p models.JoinPayload
		if !r.decode(conn, frame, &p) {
			return
		}
		r.handleJoin(conn, p)
	case models.EventTypingStart, models.EventTypingStop:
		var p models.TypingPayload
		if !r.decode(conn, frame, &p) {
			return
		}
		if frame.Event == models.EventTypingStart {
			r.handleTypingStart(ctx, conn, p)
		} else {
			r.handleTypingStop(conn, p)
		}
	case models.EventMarkRead:
		var p models.MarkReadPayload
		if !r.decode(conn, frame, &p) {
			return
		}
		r.handleMarkRead(ctx, conn, p)
	case models.EventSendMessage:
		var p models.SendMessagePayload
		if !r.decode(conn, frame, &p) {
			return
		}
		r.handleSendMessage(ctx, conn, p)
	default:
		r.reject(conn, frame.Event, "unknown event")
	}
}

func (r *Relay) decode(conn *Connection, frame models.Frame, into any) bool {
	if len(frame.Data) == 0 {
		frame.Data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(frame.Data, into); err != nil {
		r.reject(conn, frame.Event, "bad payload")
		return false
	}
	return true
}

func (r *Relay) reject(conn *Connection, event, reason string) {
	observability.IncRelayEvent(event, observability.OutcomeRejected)
	r.log.Debug().Str("conn_id", conn.ID).Str("user_id", conn.UserID).Str("event", event).Str("reason", reason).Msg("frame dropped")
}

func (r *Relay) handleJoin(conn *Connection, p models.JoinPayload) {
	if p.UserID != "" && p.UserID != conn.UserID {
		r.reject(conn, models.EventJoin, "identity mismatch")
		return
	}
	r.sendTo(conn, models.JoinedEvent{UserID: conn.UserID})
}

// authorize reports whether conn's user and recipientID are the two
// participants of conversationID. Results are cached on the connection.
func (r *Relay) authorize(ctx context.Context, conn *Connection, conversationID, recipientID string) bool {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" || recipientID == "" || recipientID == conn.UserID {
		return false
	}
	if r.members == nil {
		return true
	}

	key := conversationID + "\x00" + recipientID
	conn.mu.Lock()
	allowed, cached := conn.members[key]
	conn.mu.Unlock()
	if cached {
		return allowed
	}

	allowed = true
	for _, userID := range []string{conn.UserID, recipientID} {
		ok, err := r.members.IsParticipant(ctx, conversationID, userID)
		if err != nil {
			r.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("membership check failed")
			return false
		}
		if !ok {
			allowed = false
			break
		}
	}

	conn.mu.Lock()
	if len(conn.members) >= maxCachedMemberships {
		conn.members = make(map[string]bool)
	}
	conn.members[key] = allowed
	conn.mu.Unlock()
	return allowed
}

func (r *Relay) handleSendMessage(ctx context.Context, conn *Connection, p models.SendMessagePayload) {
	if !r.authorize(ctx, conn, p.ConversationID, p.RecipientID) {
		r.reject(conn, models.EventSendMessage, "not a participant")
		return
	}
	msg := p.Message
	msg.ConversationID = p.ConversationID
	msg.SenderID = conn.UserID
	if msg.ReadBy == nil {
		msg.ReadBy = []models.ReadReceipt{}
	}

	// a new message ends the sender's typing indicator
	r.clearTyping(conn, p.ConversationID, false)
	r.deliver(p.RecipientID, models.NewMessageEvent{ConversationID: p.ConversationID, Message: msg})
}

func (r *Relay) handleMarkRead(ctx context.Context, conn *Connection, p models.MarkReadPayload) {
	if p.MessageID == "" && len(p.MessageIDs) == 0 {
		r.reject(conn, models.EventMarkRead, "no message ids")
		return
	}
	if !r.authorize(ctx, conn, p.ConversationID, p.RecipientID) {
		r.reject(conn, models.EventMarkRead, "not a participant")
		return
	}
	r.deliver(p.RecipientID, models.ReadReceiptEvent{
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		MessageIDs:     p.MessageIDs,
		ReadBy:         conn.UserID,
		ReadAt:         r.now().UTC(),
	})
}

func (r *Relay) handleTypingStart(ctx context.Context, conn *Connection, p models.TypingPayload) {
	if !r.authorize(ctx, conn, p.ConversationID, p.RecipientID) {
		r.reject(conn, models.EventTypingStart, "not a participant")
		return
	}

	conn.mu.Lock()
	if st, ok := conn.typing[p.ConversationID]; ok {
		st.timer.Stop()
	}
	st := &typingState{recipientID: p.RecipientID}
	st.timer = time.AfterFunc(r.typingTTL, func() { r.expireTyping(conn, p.ConversationID, st) })
	conn.typing[p.ConversationID] = st
	conn.mu.Unlock()

	r.deliver(p.RecipientID, models.TypingEvent{ConversationID: p.ConversationID, UserID: conn.UserID, Typing: true})
}

func (r *Relay) handleTypingStop(conn *Connection, p models.TypingPayload) {
	if !r.clearTyping(conn, p.ConversationID, true) {
		observability.IncRelayEvent(models.EventTypingStop, observability.OutcomeDropped)
	}
}

// clearTyping ends an active indicator and reports whether there was one.
func (r *Relay) clearTyping(conn *Connection, conversationID string, notify bool) bool {
	conn.mu.Lock()
	st, ok := conn.typing[conversationID]
	if ok {
		st.timer.Stop()
		delete(conn.typing, conversationID)
	}
	conn.mu.Unlock()
	if !ok {
		return false
	}
	if notify {
		r.deliver(st.recipientID, models.TypingEvent{ConversationID: conversationID, UserID: conn.UserID})
	}
	return true
}

func (r *Relay) expireTyping(conn *Connection, conversationID string, st *typingState) {
	conn.mu.Lock()
	current, ok := conn.typing[conversationID]
	if !ok || current != st {
		conn.mu.Unlock()
		return
	}
	delete(conn.typing, conversationID)
	conn.mu.Unlock()

	r.deliver(st.recipientID, models.TypingEvent{ConversationID: conversationID, UserID: conn.UserID})
}

func (r *Relay) stopAllTyping(conn *Connection) {
	conn.mu.Lock()
	active := conn.typing
	conn.typing = make(map[string]*typingState)
	conn.mu.Unlock()

	for conversationID, st := range active {
		st.timer.Stop()
		r.deliver(st.recipientID, models.TypingEvent{ConversationID: conversationID, UserID: conn.UserID})
	}
}

// deliver writes ev to the recipient's live connection, if any.
func (r *Relay) deliver(recipientID string, ev models.RelayEvent) {
	target, ok := r.registry.Lookup(recipientID)
	if !ok {
		observability.IncRelayEvent(ev.EventName(), observability.OutcomeOffline)
		return
	}
	r.sendTo(target, ev)
}

func (r *Relay) sendTo(conn *Connection, ev models.RelayEvent) {
	payload, err := models.EncodeFrame(ev)
	if err != nil {
		r.log.Error().Err(err).Str("event", ev.EventName()).Msg("encode frame")
		return
	}
	if err := conn.Send(payload); err != nil {
		observability.IncRelayEvent(ev.EventName(), observability.OutcomeDropped)
		r.log.Debug().Err(err).Str("user_id", conn.UserID).Str("event", ev.EventName()).Msg("delivery dropped")
		return
	}
	observability.IncRelayEvent(ev.EventName(), observability.OutcomeDelivered)
}
