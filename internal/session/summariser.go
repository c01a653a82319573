// Package session owns the message history of a conversation: the message
// type, the append-only log, the reload policy that bounds it, and the
// summariser used to condense what the policy drops.
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

const summarisationPrompt = `Summarise the following in-game conversation between the player and NPCs.
Write it as a short memory from the NPCs' point of view. Preserve promises made,
information revealed, emotional states, and anything that happened (fights, trades,
crimes). Be concise.`

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	Summarise(ctx context.Context, messages []Message) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats messages into a transcript and asks the model to
// condense it.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		speaker := string(m.Role)
		if m.Speaker != "" {
			speaker = m.Speaker
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.Text())
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages:     []types.Message{{Role: "user", Content: sb.String()}},
		Temperature:  0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
