package models

import (
	"time"

	"github.com/registrar-challenger/internal/types"
)

// ExternalMessage is a normalized inbound message from one of the adapters.
// Origin is the sender in the adapter's namespace (email address, @handle,
// MXID) and MessageID is the transport-stable deduplication key.
type ExternalMessage struct {
	Adapter   types.AdapterName `json:"adapter"`
	Origin    string            `json:"origin"`
	MessageID string            `json:"message_id"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
}

// MessageCounter records the last message id an adapter has consumed so a
// restarted adapter can resume without re-reading its whole backlog.
type MessageCounter struct {
	Adapter       types.AdapterName `json:"adapter"`
	LastMessageID string            `json:"last_message_id"`
}
