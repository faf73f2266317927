// Package types provides common type definitions for the registrar challenger system.
package types

// ChainName represents a supported network for judgement requests
type ChainName string

const (
	// ChainPolkadot represents the Polkadot relay chain
	ChainPolkadot ChainName = "polkadot"
	// ChainKusama represents the Kusama relay chain
	ChainKusama ChainName = "kusama"
)

// ParseChainName parses a chain label from configuration or wire data
func ParseChainName(s string) (ChainName, bool) {
	switch s {
	case "polkadot":
		return ChainPolkadot, true
	case "kusama":
		return ChainKusama, true
	default:
		return "", false
	}
}

// IdentityContext uniquely identifies a judgement request
type IdentityContext struct {
	Address string    `json:"address"`
	Chain   ChainName `json:"chain"`
}

// FieldKind represents the kind of an on-chain identity field
type FieldKind string

const (
	// KindLegalName represents the legal name field
	KindLegalName FieldKind = "legal_name"
	// KindDisplayName represents the display name field
	KindDisplayName FieldKind = "display_name"
	// KindEmail represents the email field
	KindEmail FieldKind = "email"
	// KindWeb represents the website field
	KindWeb FieldKind = "web"
	// KindTwitter represents the Twitter handle field
	KindTwitter FieldKind = "twitter"
	// KindMatrix represents the Matrix ID field
	KindMatrix FieldKind = "matrix"
	// KindPGPFingerprint represents the PGP fingerprint field (not automated)
	KindPGPFingerprint FieldKind = "pgp_fingerprint"
	// KindImage represents the image field (not automated)
	KindImage FieldKind = "image"
	// KindAdditional represents additional on-chain fields (not automated)
	KindAdditional FieldKind = "additional"
)

// ChallengeKind represents how a field is expected to be proven
type ChallengeKind string

const (
	// ChallengeExpectedMessage requires the user to send a token from the claimed account
	ChallengeExpectedMessage ChallengeKind = "expected_message"
	// ChallengeExpectedMessageWithSecond additionally requires returning a
	// token delivered out-of-band (email reply flow)
	ChallengeExpectedMessageWithSecond ChallengeKind = "expected_message_with_second"
	// ChallengeDisplayNameCheck is a background similarity check
	ChallengeDisplayNameCheck ChallengeKind = "display_name_check"
	// ChallengeUnsupported marks fields that require manual verification
	ChallengeUnsupported ChallengeKind = "unsupported"
)

// ChallengeKindFor returns the challenge kind used for a field kind
func ChallengeKindFor(kind FieldKind) ChallengeKind {
	switch kind {
	case KindEmail:
		return ChallengeExpectedMessageWithSecond
	case KindTwitter, KindMatrix:
		return ChallengeExpectedMessage
	case KindDisplayName:
		return ChallengeDisplayNameCheck
	default:
		return ChallengeUnsupported
	}
}

// FieldStatus represents the verification sub-state of a field
type FieldStatus string

const (
	// StatusPending means no valid challenge response has been seen yet
	StatusPending FieldStatus = "pending"
	// StatusFirstVerified means the inbound token matched
	StatusFirstVerified FieldStatus = "first_verified"
	// StatusAwaitingSecond means the outbound token was sent and must be returned
	StatusAwaitingSecond FieldStatus = "awaiting_second"
	// StatusVerified means the field is fully verified
	StatusVerified FieldStatus = "verified"
	// StatusManuallyVerified means a moderator verified the field
	StatusManuallyVerified FieldStatus = "manually_verified"
	// StatusUnsupported means the field cannot be verified automatically
	StatusUnsupported FieldStatus = "unsupported"
)

// IsVerified reports whether the status counts towards full verification
func (s FieldStatus) IsVerified() bool {
	return s == StatusVerified || s == StatusManuallyVerified
}

// AdapterName identifies an ingress transport
type AdapterName string

const (
	// AdapterEmail is the IMAP/SMTP adapter
	AdapterEmail AdapterName = "email"
	// AdapterTwitter is the Twitter mentions adapter
	AdapterTwitter AdapterName = "twitter"
	// AdapterMatrix is the Matrix client adapter
	AdapterMatrix AdapterName = "matrix"
	// AdapterWatcher is the watcher websocket bridge
	AdapterWatcher AdapterName = "watcher"
)

// FieldKindForAdapter maps an adapter to the field kind it can verify
func FieldKindForAdapter(adapter AdapterName) (FieldKind, bool) {
	switch adapter {
	case AdapterEmail:
		return KindEmail, true
	case AdapterTwitter:
		return KindTwitter, true
	case AdapterMatrix:
		return KindMatrix, true
	default:
		return "", false
	}
}

// EventKind represents a notification emitted by the verification core
type EventKind string

const (
	// EventIdentityInserted is emitted on the first announcement of an identity
	EventIdentityInserted EventKind = "identity_inserted"
	// EventIdentityUpdated is emitted when an announcement changes the field set
	EventIdentityUpdated EventKind = "identity_updated"
	// EventFieldVerified is emitted when an inbound token matches
	EventFieldVerified EventKind = "field_verified"
	// EventFieldVerificationFailed is emitted when an inbound message does not match
	EventFieldVerificationFailed EventKind = "field_verification_failed"
	// EventAwaitingSecondChallenge is emitted when the outbound token is on its way
	EventAwaitingSecondChallenge EventKind = "awaiting_second_challenge"
	// EventSecondFieldVerified is emitted when the returned second token matches
	EventSecondFieldVerified EventKind = "second_field_verified"
	// EventSecondFieldVerificationFailed is emitted when the second token does not match
	EventSecondFieldVerificationFailed EventKind = "second_field_verification_failed"
	// EventIdentityFullyVerified is emitted once every field is verified
	EventIdentityFullyVerified EventKind = "identity_fully_verified"
	// EventJudgementProvided is emitted after the watcher acknowledged the judgement
	EventJudgementProvided EventKind = "judgement_provided"
	// EventManuallyVerified is emitted when a moderator verifies a single field
	EventManuallyVerified EventKind = "manually_verified"
	// EventFullManualVerification is emitted when a moderator forces full verification
	EventFullManualVerification EventKind = "full_manual_verification"
)
