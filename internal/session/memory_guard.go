package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/memory"
)

// MemoryGuard wraps a [memory.Store] and makes every operation non-fatal.
// Failures are logged and replaced by empty results, so a database outage
// costs NPCs their long-term memory but never a conversation.
//
// MemoryGuard implements [memory.Store]. All methods are safe for concurrent
// use.
type MemoryGuard struct {
	store    memory.Store
	log      *slog.Logger
	degraded atomic.Bool
}

var _ memory.Store = (*MemoryGuard)(nil)

// NewMemoryGuard wraps store. A nil logger means slog.Default().
func NewMemoryGuard(store memory.Store, log *slog.Logger) *MemoryGuard {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryGuard{store: store, log: log}
}

// AddParticipants implements [memory.Store]. Errors are swallowed.
func (mg *MemoryGuard) AddParticipants(ctx context.Context, conversationID string, characters ...string) error {
	mg.observe(mg.store.AddParticipants(ctx, conversationID, characters...), "AddParticipants", "conversation_id", conversationID)
	return nil
}

// WriteEntry implements [memory.Store]. Errors are swallowed.
func (mg *MemoryGuard) WriteEntry(ctx context.Context, entry memory.Entry) error {
	mg.observe(mg.store.WriteEntry(ctx, entry), "WriteEntry", "conversation_id", entry.ConversationID)
	return nil
}

// Recall implements [memory.Store]. On failure nothing is recalled.
func (mg *MemoryGuard) Recall(ctx context.Context, character string, limit int) ([]memory.Entry, error) {
	entries, err := mg.store.Recall(ctx, character, limit)
	if mg.observe(err, "Recall", "character", character) {
		return []memory.Entry{}, nil
	}
	return entries, nil
}

// Search implements [memory.Store]. On failure nothing is found.
func (mg *MemoryGuard) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Entry, error) {
	entries, err := mg.store.Search(ctx, query, opts)
	if mg.observe(err, "Search", "query", query) {
		return []memory.Entry{}, nil
	}
	return entries, nil
}

// EntryCount implements [memory.Store]. On failure it reports 0.
func (mg *MemoryGuard) EntryCount(ctx context.Context, conversationID string) (int, error) {
	n, err := mg.store.EntryCount(ctx, conversationID)
	if mg.observe(err, "EntryCount", "conversation_id", conversationID) {
		return 0, nil
	}
	return n, nil
}

// IsDegraded reports whether the most recent operation failed.
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}

// observe updates the degraded flag and logs err. It reports whether err
// was non-nil.
func (mg *MemoryGuard) observe(err error, op string, args ...any) bool {
	if err == nil {
		mg.degraded.Store(false)
		return false
	}
	mg.degraded.Store(true)
	mg.log.Warn("memory guard: "+op+" failed, continuing without memory", append(args, "err", err)...)
	return true
}
