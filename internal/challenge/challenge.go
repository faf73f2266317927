// Package challenge generates and matches the random tokens users must send
// to prove control of an account.
package challenge

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// TokenBytes is the entropy of a generated token. 16 bytes keeps the base58
// form short enough to paste into a tweet while staying unguessable.
const TokenBytes = 16

// NewToken generates a fresh random challenge token, base58-encoded
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes for challenge token: %w", err)
	}
	return base58.Encode(buf), nil
}

// Matches reports whether the message body contains the expected token.
// The comparison is case-sensitive; surrounding text is allowed, so a body
// like "hello <token> please verify" matches.
func Matches(token, body string) bool {
	if token == "" {
		return false
	}
	return strings.Contains(strings.TrimSpace(body), token)
}
