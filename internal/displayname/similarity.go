// Package displayname implements the similarity guard that prevents a new
// identity from claiming a display name close to an already verified one.
package displayname

import (
	"strings"

	"github.com/xrash/smetrics"

	"github.com/registrar-challenger/internal/models"
)

// ViolationsCap bounds the number of similar names reported to the user
const ViolationsCap = 5

// DefaultLimit is the similarity threshold used when the config omits one
const DefaultLimit = 0.85

// Checker compares candidate display names against the verified set of one
// chain. A candidate passes iff its maximum similarity against every other
// verified name is strictly below the limit.
type Checker struct {
	limit    float64
	disabled bool
}

// NewChecker creates a checker with the given similarity limit. A zero or
// negative limit falls back to DefaultLimit.
func NewChecker(limit float64) *Checker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Checker{limit: limit}
}

// NewDisabledChecker creates a checker that reports no violations, used when
// the guard is turned off in configuration.
func NewDisabledChecker() *Checker {
	return &Checker{disabled: true}
}

// Limit returns the configured similarity threshold
func (c *Checker) Limit() float64 {
	return c.limit
}

// Check returns the verified entries that are too similar to the candidate.
// Entries belonging to excludeAddress are skipped so an identity never
// conflicts with its own verified name. The result is capped at ViolationsCap.
func (c *Checker) Check(candidate string, excludeAddress string, verified []models.DisplayNameEntry) []models.DisplayNameEntry {
	if c.disabled {
		return nil
	}

	var violations []models.DisplayNameEntry

	for _, entry := range verified {
		if entry.Context.Address == excludeAddress {
			continue
		}
		if c.TooSimilar(entry.DisplayName, candidate) {
			violations = append(violations, entry)
		}
		if len(violations) == ViolationsCap {
			break
		}
	}

	return violations
}

// TooSimilar reports whether two display names are within the similarity
// limit of each other. Comparison is case-insensitive and considers both the
// whole string and its words split on common separators, so "Eve & Adam"
// collides with "Adam & Eve".
func (c *Checker) TooSimilar(a, b string) bool {
	left := strings.ToLower(a)
	right := strings.ToLower(b)

	sims := []float64{
		similarity(left, right),
		wordSimilarity(left, right, []string{" ", "-", "_"}),
	}

	for _, s := range sims {
		if s >= c.limit {
			return true
		}
	}
	return false
}

// similarity scores two names with plain Jaro. The scorer walks bytes, so
// multi-byte runes are folded to single symbols first; without that, names
// sharing an emoji prefix would count as near-identical. Prefix size zero
// turns off the Winkler boost.
func similarity(left, right string) float64 {
	a, b := foldRunes(left, right)
	return smetrics.JaroWinkler(a, b, 1, 0)
}

// foldRunes maps every distinct rune of the two names onto one byte. Jaro
// only compares symbols for equality, so the mapping preserves the score.
// Names with more than 256 distinct runes between them are scored raw.
func foldRunes(left, right string) (string, string) {
	table := make(map[rune]byte)
	for _, r := range left + right {
		if _, ok := table[r]; !ok {
			if len(table) == 256 {
				return left, right
			}
			table[r] = byte(len(table))
		}
	}

	fold := func(s string) string {
		out := make([]byte, 0, len(s))
		for _, r := range s {
			out = append(out, table[r])
		}
		return string(out)
	}
	return fold(left), fold(right)
}

// wordSimilarity scores each word of the left string against its best match
// on the right and averages over the longer word list. This catches
// reordered or re-delimited names.
func wordSimilarity(left, right string, delimiters []string) float64 {
	leftWords := splitWords(left, delimiters)
	rightWords := splitWords(right, delimiters)

	if len(leftWords) == 0 || len(rightWords) == 0 {
		return 0
	}

	var total float64
	for _, lw := range leftWords {
		var best float64
		for _, rw := range rightWords {
			if sim := similarity(lw, rw); sim > best {
				best = sim
			}
		}
		total += best
	}

	longest := len(leftWords)
	if len(rightWords) > longest {
		longest = len(rightWords)
	}

	return total / float64(longest)
}

func splitWords(s string, delimiters []string) []string {
	var all []string
	for _, del := range delimiters {
		for _, word := range strings.Split(s, del) {
			word = strings.TrimSpace(word)
			if word != "" {
				all = append(all, word)
			}
		}
	}
	return all
}
