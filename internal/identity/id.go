package identity

import "strings"

// Normalize lowercases a raw identifier and strips every character
// outside [a-z0-9_]. The result is what registration would have accepted.
func Normalize(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SafeID reports whether raw already satisfies the identifier-safety
// predicate used at registration, returning the normalized form either
// way so callers can suggest it as a hint.
func SafeID(raw string) (normalized string, ok bool) {
	normalized = Normalize(raw)
	if len(normalized) < 3 {
		return normalized, false
	}
	return normalized, raw == normalized
}
