// Package mock provides an in-memory test double for [memory.Store].
//
// The mock behaves like a real store (entries written are recalled and
// searched) and additionally records every call and lets tests inject
// errors. It is safe for concurrent use.
//
//	store := &mock.Store{}
//	// inject store into the system under test …
//	if got := store.CallCount("WriteEntry"); got != 3 {
//	    t.Errorf("expected 3 WriteEntry calls, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string

	// Args holds the non-context arguments, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call

	entries      []memory.Entry
	participants map[string]map[string]bool

	// WriteEntryErr, RecallErr, SearchErr and AddParticipantsErr are returned
	// by the matching method when non-nil. Failed writes are not stored.
	WriteEntryErr      error
	RecallErr          error
	SearchErr          error
	AddParticipantsErr error
}

var _ memory.Store = (*Store)(nil)

// Calls returns a copy of all recorded invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Entries returns every stored entry in write order.
func (m *Store) Entries() []memory.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// Participants returns the characters recorded for conversationID, sorted.
func (m *Store) Participants(conversationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for c := range m.participants[conversationID] {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// AddParticipants implements [memory.Store].
func (m *Store) AddParticipants(_ context.Context, conversationID string, characters ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AddParticipants", Args: []any{conversationID, characters}})
	if m.AddParticipantsErr != nil {
		return m.AddParticipantsErr
	}
	if conversationID == "" {
		return memory.ErrNoConversation
	}
	if m.participants == nil {
		m.participants = make(map[string]map[string]bool)
	}
	if m.participants[conversationID] == nil {
		m.participants[conversationID] = make(map[string]bool)
	}
	for _, c := range characters {
		m.participants[conversationID][c] = true
	}
	return nil
}

// WriteEntry implements [memory.Store].
func (m *Store) WriteEntry(_ context.Context, entry memory.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteEntry", Args: []any{entry}})
	if m.WriteEntryErr != nil {
		return m.WriteEntryErr
	}
	if entry.ConversationID == "" {
		return memory.ErrNoConversation
	}
	m.entries = append(m.entries, entry)
	return nil
}

// Recall implements [memory.Store]. Entries are returned in write order.
func (m *Store) Recall(_ context.Context, character string, limit int) ([]memory.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recall", Args: []any{character, limit}})
	if m.RecallErr != nil {
		return nil, m.RecallErr
	}
	out := []memory.Entry{}
	for _, e := range m.entries {
		if m.participants[e.ConversationID][character] {
			out = append(out, e)
		}
	}
	if limit <= 0 {
		return []memory.Entry{}, nil
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Search implements [memory.Store] with a case-insensitive substring match.
func (m *Store) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	out := []memory.Entry{}
	for _, e := range m.entries {
		if opts.ConversationID != "" && e.ConversationID != opts.ConversationID {
			continue
		}
		if opts.Speaker != "" && e.Speaker != opts.Speaker {
			continue
		}
		if !strings.Contains(strings.ToLower(e.Text), strings.ToLower(query)) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// EntryCount implements [memory.Store].
func (m *Store) EntryCount(_ context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "EntryCount", Args: []any{conversationID}})
	n := 0
	for _, e := range m.entries {
		if e.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}
