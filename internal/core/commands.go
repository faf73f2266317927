package core

import (
	"github.com/registrar-challenger/internal/types"
)

// WatcherAnnounce is a new or refreshed judgement request relayed by the
// watcher. The field list is the full declared set; reconciliation against
// the stored identity happens in the verifier.
type WatcherAnnounce struct {
	Context     types.IdentityContext
	IdentityHex string
	Fields      []AnnouncedField
}

// AnnouncedField is one declared on-chain field of an announcement
type AnnouncedField struct {
	Kind  types.FieldKind
	Value string
}

// WatcherRetract signals that an identity is no longer pending judgement on
// chain and must be dropped.
type WatcherRetract struct {
	Context types.IdentityContext
}

// ManualVerify is a moderator override for one or more fields of an address.
// All forces full verification regardless of the declared fields.
type ManualVerify struct {
	Address string
	Fields  []types.FieldKind
	All     bool
}

// SecondChallengeSubmission carries the out-of-band token a user pastes into
// the HTTP endpoint to finish an email verification.
type SecondChallengeSubmission struct {
	FieldValue string
	Challenge  string
}
