package session

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/pkg/types"
)

// ReloadPolicy bounds conversation length. Once the history reaches
// MaxMessages messages or TokenLimit estimated tokens, everything but the
// last TrailingBuffer messages is dropped. If a Summariser is set, the dropped
// part is condensed into a single memory message that takes its place.
type ReloadPolicy struct {
	// MaxMessages triggers a reload at this many messages. Zero disables.
	MaxMessages int

	// TokenLimit triggers a reload at this many estimated tokens. Zero disables.
	TokenLimit int

	// TrailingBuffer is how many recent messages survive a reload.
	TrailingBuffer int

	// Summariser is optional.
	Summariser Summariser
}

// FitTo returns p with a TokenLimit derived from the model's prompt budget
// when none is configured. Token counts are estimates, so only 80% of the
// budget is used.
func (p ReloadPolicy) FitTo(caps types.ModelCapabilities) ReloadPolicy {
	if p.TokenLimit == 0 {
		p.TokenLimit = caps.PromptBudget() * 4 / 5
	}
	return p
}

// Due reports whether h has reached a limit.
func (p ReloadPolicy) Due(h *History) bool {
	if p.MaxMessages > 0 && h.Len() >= p.MaxMessages {
		return true
	}
	return p.TokenLimit > 0 && h.TokenEstimate() >= p.TokenLimit
}

// Apply truncates h if a limit is reached and reports whether it did.
//
// The last TrailingBuffer messages survive. If they alone exceed the token
// limit, the oldest of them are dropped as well until the history fits,
// keeping at least the newest message.
//
// A failing summariser does not block the reload. The dropped messages are
// discarded without a summary and Apply returns true together with the
// summariser's error.
func (p ReloadPolicy) Apply(ctx context.Context, h *History) (bool, error) {
	if !p.Due(h) {
		return false, nil
	}
	msgs := h.Messages()

	// Prompt messages at the head (the system prompt) always survive.
	var pinned []Message
	for _, m := range msgs {
		if m.Kind != KindPrompt || m.Role != RoleSystem {
			break
		}
		pinned = append(pinned, m)
	}
	cut := len(msgs) - max(p.TrailingBuffer, 0)
	if cut <= len(pinned) && p.TokenLimit > 0 {
		// The trailing buffer spans the whole history, which alone is over
		// the token limit.
		cut = p.fit(msgs, len(pinned))
	}
	if cut <= len(pinned) {
		return false, nil
	}
	dropped := msgs[len(pinned):cut]

	head := pinned
	var sumErr error
	if p.Summariser != nil {
		summary, err := p.Summariser.Summarise(ctx, dropped)
		switch {
		case err != nil:
			sumErr = fmt.Errorf("session: summarise %d messages before reload: %w", len(dropped), err)
		case summary != "":
			mem := NewMessage(RoleSystem, KindMemory, "", fmt.Sprintf("[Earlier in this conversation]: %s", summary))
			head = append(head, mem)
		}
	}

	h.replacePrefix(cut, head)
	return true, sumErr
}

// fit returns the smallest cut at or after from that brings msgs under the
// token limit without dropping the last message.
func (p ReloadPolicy) fit(msgs []Message, from int) int {
	tokens := 0
	for i := range msgs {
		tokens += msgs[i].Tokens()
	}
	cut := from
	for tokens >= p.TokenLimit && cut < len(msgs)-1 {
		tokens -= msgs[cut].Tokens()
		cut++
	}
	return cut
}
