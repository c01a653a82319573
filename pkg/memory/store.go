// Package memory persists conversation transcripts so NPCs remember what
// happened in earlier conversations.
//
// A [Store] keeps every line spoken in a conversation together with the
// characters who took part. When a new conversation starts, the most recent
// lines involving each participant are recalled and injected into the
// prompt.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNoConversation is returned for an empty conversation ID.
var ErrNoConversation = errors.New("memory: conversation id is required")

// Entry is one persisted line of a conversation transcript.
type Entry struct {
	// ConversationID groups the entries of one conversation.
	ConversationID string

	// Speaker is the character or player name. Empty for events.
	Speaker string

	// Role is the chat role ("user", "assistant") or "event".
	Role string

	// Text is what was said.
	Text string

	// Location is the in-game location at the time.
	Location string

	// Timestamp is when the line was spoken.
	Timestamp time.Time
}

// SearchOpts narrows a full-text search. All non-zero fields are applied as
// AND conditions.
type SearchOpts struct {
	// ConversationID restricts the search to one conversation.
	ConversationID string

	// Speaker restricts results to one speaker.
	Speaker string

	// After and Before bound the timestamp (both exclusive).
	After  time.Time
	Before time.Time

	// Limit caps the number of results. Zero lets the implementation choose.
	Limit int
}

// Store is the transcript persistence layer.
type Store interface {
	// AddParticipants records that characters take part in conversationID.
	// Adding a character twice is not an error.
	AddParticipants(ctx context.Context, conversationID string, characters ...string) error

	// WriteEntry appends entry to the transcript of entry.ConversationID.
	WriteEntry(ctx context.Context, entry Entry) error

	// Recall returns up to limit of the most recent entries from
	// conversations character took part in, oldest first.
	Recall(ctx context.Context, character string, limit int) ([]Entry, error)

	// Search runs a full-text search over entry text, oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error)

	// EntryCount returns the number of entries in conversationID.
	EntryCount(ctx context.Context, conversationID string) (int, error)
}
