package session

import (
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/types"
)

// History is the ordered message log of one conversation.
//
// Messages are only ever appended; the reload policy is the one caller that
// replaces the oldest prefix. All methods are safe for concurrent use.
type History struct {
	mu       sync.Mutex
	messages []Message
	tokens   int
	ids      map[string]struct{}
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{ids: make(map[string]struct{})}
}

// Append adds msgs in order. Messages without an ID get one; a message whose
// ID is already present is dropped so IDs stay unique.
func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = NewMessage(m.Role, m.Kind, "", "").ID
		}
		if _, dup := h.ids[m.ID]; dup {
			continue
		}
		if m.Kind == "" {
			m.Kind = KindMessage
		}
		h.ids[m.ID] = struct{}{}
		h.tokens += m.Tokens()
		h.messages = append(h.messages, m)
	}
}

// Messages returns a copy of the log.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.messages)
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// TokenEstimate returns the summed token estimate of all messages.
func (h *History) TokenEstimate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokens
}

// Last returns the most recent message.
func (h *History) Last() (Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) == 0 {
		return Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}

// LLM renders the log for a completion request.
func (h *History) LLM() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.messages))
	for i, m := range h.messages {
		out[i] = m.LLM()
	}
	return out
}

// Reset clears the log.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	h.tokens = 0
	h.ids = make(map[string]struct{})
}

// replacePrefix swaps the first n messages for head. It is a no-op if the log
// has shrunk below n since the caller read it.
func (h *History) replacePrefix(n int, head []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > len(h.messages) {
		return
	}
	kept := h.messages[n:]
	h.messages = append(slices.Clone(head), kept...)
	h.tokens = 0
	h.ids = make(map[string]struct{}, len(h.messages))
	for i := range h.messages {
		h.ids[h.messages[i].ID] = struct{}{}
		h.tokens += h.messages[i].Tokens()
	}
}
