package challenge

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func TestNewToken_Alphabet(t *testing.T) {
	token, err := NewToken()
	require.NoError(t, err)

	for _, r := range token {
		assert.Contains(t, base58Alphabet, string(r))
	}
}

func TestNewToken_Length(t *testing.T) {
	// 16 random bytes encode to 21-23 base58 characters
	for i := 0; i < 100; i++ {
		token, err := NewToken()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(token), 16)
		assert.LessOrEqual(t, len(token), 32)
	}
}

func TestNewToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		token, err := NewToken()
		require.NoError(t, err)
		assert.False(t, seen[token], "token generated twice: %s", token)
		seen[token] = true
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name  string
		token string
		body  string
		want  bool
	}{
		{"exact", "AbC123", "AbC123", true},
		{"surrounded by text", "AbC123", "hello AbC123 please verify", true},
		{"split across lines", "AbC123", "here it is:\nAbC123\nthanks", true},
		{"case sensitive", "AbC123", "abc123", false},
		{"missing", "AbC123", "no token here", false},
		{"empty token never matches", "", "anything", false},
		{"leading and trailing whitespace", "AbC123", "  AbC123  ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.token, tt.body))
		})
	}
}

func TestMatches_Property(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Any generated token is found in any body that embeds it verbatim.
	properties.Property("token embedded in body always matches", prop.ForAll(
		func(prefix, suffix string) bool {
			token, err := NewToken()
			if err != nil {
				return false
			}
			return Matches(token, prefix+" "+token+" "+suffix)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	// A body made of only alphabetic characters cannot contain a fresh
	// random token unless it literally embeds it.
	properties.Property("unrelated short body never matches", prop.ForAll(
		func(body string) bool {
			token, err := NewToken()
			if err != nil {
				return false
			}
			if strings.Contains(body, token) {
				return true
			}
			return !Matches(token, body)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
