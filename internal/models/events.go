package models

import (
	"encoding/json"
	"time"
)

// Relay frame names. Inbound frames come from clients, outbound frames are
// written by the relay.
const (
	EventJoin        = "join"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventMarkRead    = "mark_read"
	EventSendMessage = "send_message"

	EventJoined            = "joined"
	EventReceiveMessage    = "receive_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventMessageRead       = "message_read"
)

// Frame is the wire envelope for every relay message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RelayEvent is implemented by every outbound payload.
type RelayEvent interface {
	EventName() string
}

// NewMessageEvent tells the recipient a message was stored.
type NewMessageEvent struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

func (NewMessageEvent) EventName() string { return EventReceiveMessage }

// TypingEvent reports a typing start or stop by UserID.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"-"`
}

func (e TypingEvent) EventName() string {
	if e.Typing {
		return EventUserTyping
	}
	return EventUserStoppedTyping
}

// ReadReceiptEvent tells the sender that ReadBy has seen the listed messages.
type ReadReceiptEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	MessageIDs     []string  `json:"messageIds,omitempty"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

func (ReadReceiptEvent) EventName() string { return EventMessageRead }

// JoinedEvent acknowledges a join frame.
type JoinedEvent struct {
	UserID string `json:"userId"`
}

func (JoinedEvent) EventName() string { return EventJoined }

// EncodeFrame wraps ev in a Frame and marshals it.
func EncodeFrame(ev RelayEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: ev.EventName(), Data: data})
}

// JoinPayload is the data of a join frame.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// TypingPayload is the data of typing_start and typing_stop frames.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
}

// MarkReadPayload is the data of a mark_read frame. MessageIDs may carry a
// batch in addition to, or instead of, MessageID.
type MarkReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageID      string   `json:"messageId"`
	MessageIDs     []string `json:"messageIds"`
	RecipientID    string   `json:"recipientId"`
}

// SendMessagePayload is the data of a send_message frame.
type SendMessagePayload struct {
	ConversationID string  `json:"conversationId"`
	RecipientID    string  `json:"recipientId"`
	Message        Message `json:"message"`
}
