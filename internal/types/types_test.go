package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChainName(t *testing.T) {
	chain, ok := ParseChainName("polkadot")
	require.True(t, ok)
	assert.Equal(t, ChainPolkadot, chain)

	chain, ok = ParseChainName("kusama")
	require.True(t, ok)
	assert.Equal(t, ChainKusama, chain)

	for _, bad := range []string{"", "Kusama", "westend", "ethereum"} {
		_, ok := ParseChainName(bad)
		assert.False(t, ok, bad)
	}
}

func TestChallengeKindFor(t *testing.T) {
	tests := []struct {
		kind FieldKind
		want ChallengeKind
	}{
		{KindEmail, ChallengeExpectedMessageWithSecond},
		{KindTwitter, ChallengeExpectedMessage},
		{KindMatrix, ChallengeExpectedMessage},
		{KindDisplayName, ChallengeDisplayNameCheck},
		{KindLegalName, ChallengeUnsupported},
		{KindWeb, ChallengeUnsupported},
		{KindPGPFingerprint, ChallengeUnsupported},
		{KindImage, ChallengeUnsupported},
		{KindAdditional, ChallengeUnsupported},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChallengeKindFor(tt.kind), string(tt.kind))
	}
}

func TestFieldStatusIsVerified(t *testing.T) {
	assert.True(t, StatusVerified.IsVerified())
	assert.True(t, StatusManuallyVerified.IsVerified())

	for _, s := range []FieldStatus{StatusPending, StatusFirstVerified, StatusAwaitingSecond, StatusUnsupported} {
		assert.False(t, s.IsVerified(), string(s))
	}
}

func TestFieldKindForAdapter(t *testing.T) {
	kind, ok := FieldKindForAdapter(AdapterEmail)
	require.True(t, ok)
	assert.Equal(t, KindEmail, kind)

	kind, ok = FieldKindForAdapter(AdapterTwitter)
	require.True(t, ok)
	assert.Equal(t, KindTwitter, kind)

	kind, ok = FieldKindForAdapter(AdapterMatrix)
	require.True(t, ok)
	assert.Equal(t, KindMatrix, kind)

	// The watcher carries announcements, not verification messages.
	_, ok = FieldKindForAdapter(AdapterWatcher)
	assert.False(t, ok)
}
