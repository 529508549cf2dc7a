package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Bedrock constrains tool names and toolUseId values to [a-zA-Z0-9_-]+ with a
// 64-byte cap. Canonical tool names (which may contain dots or arbitrary
// runes) are sanitized deterministically on the way in and reverse-mapped on
// the way out.

// sanitizeToolName maps a canonical tool name to a Bedrock-safe one: dots
// become underscores, disallowed runes become underscores, and names over 64
// bytes are truncated with a stable hash suffix to preserve uniqueness.
func sanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	const maxLen = 64
	const hashLen = 8

	out := make([]rune, 0, len(in))
	for _, r := range in {
		if r == '.' {
			r = '_'
		}
		if isSafeRune(r) {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	sanitized := string(out)
	if len(sanitized) <= maxLen {
		return sanitized
	}

	sum := sha256.Sum256([]byte(in))
	suffix := hex.EncodeToString(sum[:])[:hashLen]
	prefixLen := maxLen - (1 + hashLen)
	return sanitized[:prefixLen] + "_" + suffix
}

func isSafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}

// isSafeToolUseID reports whether an id already conforms to Bedrock's
// toolUseId constraints and can be forwarded verbatim.
func isSafeToolUseID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		if !isSafeRune(r) {
			return false
		}
	}
	return true
}

// toolUseIDMap assigns request-local provider-safe ids to canonical tool-call
// ids that violate Bedrock's constraints. Safe ids pass through unchanged so
// call/result correlation survives the round trip.
type toolUseIDMap struct {
	ids  map[string]string
	next int
}

func newToolUseIDMap() *toolUseIDMap {
	return &toolUseIDMap{ids: make(map[string]string)}
}

func (m *toolUseIDMap) idFor(canonical string) string {
	if canonical == "" {
		return ""
	}
	if isSafeToolUseID(canonical) {
		return canonical
	}
	if id, ok := m.ids[canonical]; ok {
		return id
	}
	m.next++
	id := fmt.Sprintf("t%d", m.next)
	m.ids[canonical] = id
	return id
}

// desanitizeToolName maps a provider-visible tool name back to its canonical
// form; names not produced by this request's sanitization pass through.
func desanitizeToolName(name string, sanToCanon map[string]string) string {
	if canonical, ok := sanToCanon[strings.TrimSpace(name)]; ok {
		return canonical
	}
	return name
}
