package llm

import "strings"

// maxNameLen is the longest message name OpenAI-compatible APIs accept.
const maxNameLen = 64

// ParticipantName reduces a speaker name to the [a-zA-Z0-9_-] alphabet that
// OpenAI-compatible APIs accept for message names. Spaces, dots and
// apostrophes become underscores; anything else is dropped.
//
//	"Jon Battle-Born" -> "Jon_Battle-Born"
//	"J'zargo"         -> "J_zargo"
func ParticipantName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.' || r == '\'':
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > maxNameLen {
		out = out[:maxNameLen]
	}
	return out
}

// StopSequences drops empty entries from stops and keeps at most limit of
// the rest, in order. A limit <= 0 keeps all of them. It returns nil when
// nothing is left.
func StopSequences(stops []string, limit int) []string {
	var out []string
	for _, s := range stops {
		if s == "" {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s)
	}
	return out
}
