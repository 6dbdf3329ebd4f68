package store

import "errors"

var (
	// ErrInvalidParticipants rejects a conversation whose two members are the
	// same user or missing.
	ErrInvalidParticipants = errors.New("conversation needs two distinct participants")
	// ErrNotAParticipant rejects access by a user outside the conversation.
	// Unknown conversations report the same error.
	ErrNotAParticipant = errors.New("not a conversation participant")
	// ErrInvalidMessage rejects an empty text or an attachment-less file.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrTransientStore wraps persistence failures; the request may be retried.
	ErrTransientStore = errors.New("conversation store unavailable")
)
