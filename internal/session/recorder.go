package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/memory"
)

// Recorder copies a conversation's history into a [memory.Store].
//
// Flush writes every dialogue and event message not written before. It
// tracks messages by ID, so it keeps working after a reload replaced the
// head of the history. Memory and prompt messages are never persisted:
// they are derived from earlier transcripts or from configuration.
//
// All methods are safe for concurrent use.
type Recorder struct {
	store          memory.Store
	conversationID string

	mu      sync.Mutex
	written map[string]struct{}
}

// NewRecorder returns a Recorder for conversationID.
func NewRecorder(store memory.Store, conversationID string) *Recorder {
	return &Recorder{
		store:          store,
		conversationID: conversationID,
		written:        make(map[string]struct{}),
	}
}

// ConversationID returns the ID entries are written under.
func (r *Recorder) ConversationID() string { return r.conversationID }

// Flush writes the new messages of h. A failed entry is not marked as
// written and is retried by the next Flush; the remaining entries are still
// attempted.
func (r *Recorder) Flush(ctx context.Context, h *History) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, m := range h.Messages() {
		if _, done := r.written[m.ID]; done || !persisted(m) {
			continue
		}
		role := string(m.Role)
		if m.Kind == KindEvent {
			role = string(KindEvent)
		}
		err := r.store.WriteEntry(ctx, memory.Entry{
			ConversationID: r.conversationID,
			Speaker:        m.Speaker,
			Role:           role,
			Text:           m.Text(),
			Location:       m.Location,
			Timestamp:      m.Timestamp,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", m.ID, err))
			continue
		}
		r.written[m.ID] = struct{}{}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: flush transcript: %w", err)
	}
	return nil
}

func persisted(m Message) bool {
	switch m.Kind {
	case KindMessage, KindEvent:
		return m.Role != RoleSystem || m.Kind == KindEvent
	}
	return false
}
