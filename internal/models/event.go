package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/registrar-challenger/internal/types"
)

// Event is one entry in the append-only per-identity notification log. It
// drives live client updates and the moderator audit trail. The UUID is the
// stable identity of an event across the database and the event bus.
type Event struct {
	ID        int64                 `json:"-"`
	UUID      string                `json:"uuid"`
	Context   types.IdentityContext `json:"context"`
	Kind      types.EventKind       `json:"type"`
	Payload   EventPayload          `json:"payload"`
	CreatedAt time.Time             `json:"created_at"`
}

// EventPayload carries the kind-specific details of an event
type EventPayload struct {
	Field      types.FieldKind    `json:"field,omitempty"`
	Value      string             `json:"value,omitempty"`
	Violations []DisplayNameEntry `json:"violations,omitempty"`
}

// NewEvent builds an event for an identity with its creation time set
func NewEvent(ctx types.IdentityContext, kind types.EventKind, payload EventPayload) *Event {
	return &Event{
		UUID:      uuid.NewString(),
		Context:   ctx,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
