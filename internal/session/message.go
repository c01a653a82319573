package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/types"
)

// Role is the chat role of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind classifies what a message is for.
type Kind string

const (
	// KindMessage is ordinary dialogue.
	KindMessage Kind = "message"
	// KindMemory carries recalled or summarised past conversation.
	KindMemory Kind = "memory"
	// KindPrompt is an instruction injected by Parley (system prompt, greeting).
	KindPrompt Kind = "prompt"
	// KindImage carries image content.
	KindImage Kind = "image"
	// KindEvent is a synthetic game event, e.g. "Lydia drew her sword.".
	KindEvent Kind = "event"
)

// Part is one element of structured multi-part content.
type Part struct {
	// Type is "text" or "image_url".
	Type     string
	Text     string
	ImageURL string
}

// Message is one turn in the conversation history.
type Message struct {
	ID        string
	Role      Role
	Speaker   string
	Content   string
	Parts     []Part
	Timestamp time.Time
	Location  string
	Kind      Kind

	tokens int
}

// NewMessage returns a message with a fresh ID and the current time.
func NewMessage(role Role, kind Kind, speaker, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Speaker:   speaker,
		Content:   content,
		Timestamp: time.Now(),
		Kind:      kind,
	}
}

// Text returns the textual content, joining text parts for multi-part
// messages. Image parts are rendered as a placeholder since vision input is
// not forwarded to the model.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		switch p.Type {
		case "image_url":
			sb.WriteString("[image]")
		default:
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Tokens returns the estimated token count, computing it on first use.
func (m *Message) Tokens() int {
	if m.tokens == 0 {
		m.tokens = estimateTokens(m)
	}
	return m.tokens
}

// LLM converts the message to the provider wire type.
func (m Message) LLM() types.Message {
	return types.Message{Role: string(m.Role), Content: m.Text(), Name: m.Speaker}
}

// charsPerToken is the heuristic ratio used for token estimation.
const charsPerToken = 4

func estimateTokens(m *Message) int {
	chars := len(m.Text()) + len(m.Role) + len(m.Speaker)
	tokens := chars / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
