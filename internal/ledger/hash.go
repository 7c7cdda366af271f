package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizeContent canonicalizes payload text for hashing and matching:
// lowercase, whitespace runs collapsed to single spaces, surrounding space
// trimmed. Platform rendering mangles exactly these things, so two payloads
// that normalize equal are considered the same content.
func NormalizeContent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// ContentHash returns the hex sha256 of the normalized payload. Used for the
// dedup check against recently confirmed intents.
func ContentHash(payload string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(payload)))
	return hex.EncodeToString(sum[:])
}
