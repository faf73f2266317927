// Package models defines the persisted data structures for the challenger.
package models

import (
	"time"

	"github.com/registrar-challenger/internal/types"
)

// Identity represents one judgement request: the on-chain identity of a
// (chain, address) pair together with its declared fields.
type Identity struct {
	ID                 int64                 `json:"-"`
	Context            types.IdentityContext `json:"context"`
	Fields             []*Field              `json:"fields"`
	IsFullyVerified    bool                  `json:"is_fully_verified"`
	JudgementSubmitted bool                  `json:"judgement_submitted"`
	// Revision increments on every reconciling announcement. Judgement
	// submission is deduplicated per revision.
	Revision    int64      `json:"revision"`
	IdentityHex string     `json:"-"`
	InsertedAt  time.Time  `json:"inserted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Field is one declared credential of an identity
type Field struct {
	ID         int64             `json:"-"`
	IdentityID int64             `json:"-"`
	Kind       types.FieldKind   `json:"kind"`
	Value      string            `json:"value"`
	Challenge  Challenge         `json:"challenge"`
	Status     types.FieldStatus `json:"status"`
	// FailedAttempts counts non-matching messages for this field. There is
	// no lockout; escalation goes through a moderator.
	FailedAttempts int        `json:"failed_attempts"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

// Challenge is the data handed to the user to prove control of a field.
// Token and SecondToken are only set for the message-based challenge kinds.
type Challenge struct {
	Kind        types.ChallengeKind `json:"type"`
	Token       string              `json:"content,omitempty"`
	SecondToken string              `json:"-"`
}

// FieldByKind returns the field of the given kind, or nil
func (i *Identity) FieldByKind(kind types.FieldKind) *Field {
	for _, f := range i.Fields {
		if f.Kind == kind {
			return f
		}
	}
	return nil
}

// AllFieldsVerified reports whether every field's sub-state counts as verified
func (i *Identity) AllFieldsVerified() bool {
	if len(i.Fields) == 0 {
		return false
	}
	for _, f := range i.Fields {
		if !f.Status.IsVerified() {
			return false
		}
	}
	return true
}

// DisplayName returns the value of the display name field, if declared
func (i *Identity) DisplayName() (string, bool) {
	if f := i.FieldByKind(types.KindDisplayName); f != nil {
		return f.Value, true
	}
	return "", false
}

// Clone returns a deep copy. The verifier mutates copies and swaps them into
// its cache only after the change committed.
func (i *Identity) Clone() *Identity {
	clone := *i
	clone.Fields = make([]*Field, len(i.Fields))
	for n, f := range i.Fields {
		fc := *f
		clone.Fields[n] = &fc
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// DisplayNameEntry is one verified display name in the similarity index
type DisplayNameEntry struct {
	Context     types.IdentityContext `json:"context"`
	DisplayName string                `json:"display_name"`
}
