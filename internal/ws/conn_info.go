package ws

import (
	"time"

	"github.com/google/uuid"
)

// ConnInfo is the handshake metadata attached to lifecycle events.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func newConnID() string {
	return uuid.NewString()
}
