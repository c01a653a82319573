// Package types holds the few structures shared by providers and the
// conversation layer. Anything owned by a single package lives there instead.
package types

// Message is one chat message in the shape every LLM backend accepts.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string

	// Name identifies the speaker of a user message when several characters
	// share one conversation. Backends that support participant names receive
	// it; others ignore it.
	Name string
}

// VoiceProfile selects a TTS voice for a character or the narrator.
type VoiceProfile struct {
	// ID is the provider's voice identifier (a speaker name for Coqui, a
	// voice ID for ElevenLabs).
	ID       string
	Name     string
	Provider string

	// SpeedFactor scales the speaking rate; 0 and 1 both mean unchanged.
	SpeedFactor float64

	// Metadata carries provider labels such as accent or gender, as reported
	// by voice listings.
	Metadata map[string]string
}

// ModelCapabilities is the token budget of an LLM model.
type ModelCapabilities struct {
	ContextWindow   int
	MaxOutputTokens int
}

// PromptBudget returns how many tokens of history fit beside a full-length
// reply. It is never negative.
func (c ModelCapabilities) PromptBudget() int {
	return max(c.ContextWindow-c.MaxOutputTokens, 0)
}
