package core

import (
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

// AccountState is the client-facing snapshot of one identity. It mirrors the
// persisted model but hides internal ids and the second challenge token.
type AccountState struct {
	Context            types.IdentityContext `json:"context"`
	IsFullyVerified    bool                  `json:"is_fully_verified"`
	JudgementSubmitted bool                  `json:"judgement_submitted"`
	Fields             []FieldState          `json:"fields"`
}

// FieldState is the client-facing view of one field
type FieldState struct {
	Value          FieldValue     `json:"value"`
	Challenge      ChallengeState `json:"challenge"`
	Status         string         `json:"status"`
	FailedAttempts int            `json:"failed_attempts"`
}

// FieldValue is a kind-tagged field value
type FieldValue struct {
	Type  types.FieldKind `json:"type"`
	Value string          `json:"value"`
}

// ChallengeState exposes the challenge kind and, for message challenges, the
// token the user must send. The second token is never exposed here.
type ChallengeState struct {
	Type    types.ChallengeKind `json:"type"`
	Content string              `json:"content,omitempty"`
}

// StateFrame is one update delivered to subscribers: the current state plus
// the notifications produced since the previous frame.
type StateFrame struct {
	State         AccountState    `json:"state"`
	Notifications []*models.Event `json:"notifications"`
}

// NewAccountState builds the client view of an identity
func NewAccountState(identity *models.Identity) AccountState {
	state := AccountState{
		Context:            identity.Context,
		IsFullyVerified:    identity.IsFullyVerified,
		JudgementSubmitted: identity.JudgementSubmitted,
		Fields:             make([]FieldState, 0, len(identity.Fields)),
	}
	for _, f := range identity.Fields {
		state.Fields = append(state.Fields, FieldState{
			Value:          FieldValue{Type: f.Kind, Value: f.Value},
			Challenge:      ChallengeState{Type: f.Challenge.Kind, Content: f.Challenge.Token},
			Status:         string(f.Status),
			FailedAttempts: f.FailedAttempts,
		})
	}
	return state
}

// NewStateFrame builds a subscriber frame from an identity and the events to
// deliver with it
func NewStateFrame(identity *models.Identity, events []*models.Event) *StateFrame {
	if events == nil {
		events = []*models.Event{}
	}
	return &StateFrame{State: NewAccountState(identity), Notifications: events}
}
