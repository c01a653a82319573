// Package postgres provides a PostgreSQL-backed [memory.Store].
//
// Transcripts live in a transcript_entries table with a GIN full-text index;
// a conversation_participants table maps conversations to the characters who
// took part, which is what [Store.Recall] filters on.
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store implements [memory.Store] on a [pgxpool.Pool].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks the connection. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// AddParticipants implements [memory.Store].
func (s *Store) AddParticipants(ctx context.Context, conversationID string, characters ...string) error {
	if conversationID == "" {
		return memory.ErrNoConversation
	}
	if len(characters) == 0 {
		return nil
	}
	const q = `
		INSERT INTO conversation_participants (conversation_id, character)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, conversationID, characters); err != nil {
		return fmt.Errorf("postgres store: add participants: %w", err)
	}
	return nil
}

// WriteEntry implements [memory.Store].
func (s *Store) WriteEntry(ctx context.Context, e memory.Entry) error {
	if e.ConversationID == "" {
		return memory.ErrNoConversation
	}
	const q = `
		INSERT INTO transcript_entries
		    (conversation_id, speaker, role, text, location, timestamp)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))`

	var ts any
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp
	}
	_, err := s.pool.Exec(ctx, q, e.ConversationID, e.Speaker, e.Role, e.Text, e.Location, ts)
	if err != nil {
		return fmt.Errorf("postgres store: write entry: %w", err)
	}
	return nil
}

// Recall implements [memory.Store].
func (s *Store) Recall(ctx context.Context, character string, limit int) ([]memory.Entry, error) {
	if limit <= 0 {
		return []memory.Entry{}, nil
	}
	const q = `
		SELECT conversation_id, speaker, role, text, location, timestamp
		FROM (
		    SELECT e.*
		    FROM   transcript_entries e
		    JOIN   conversation_participants p ON p.conversation_id = e.conversation_id
		    WHERE  p.character = $1
		    ORDER  BY e.timestamp DESC, e.id DESC
		    LIMIT  $2
		) recent
		ORDER BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, character, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recall: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [memory.Store]. The query goes through plainto_tsquery,
// so no operator syntax is needed.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Entry, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.ConversationID != "" {
		conditions = append(conditions, "conversation_id = "+next(opts.ConversationID))
	}
	if opts.Speaker != "" {
		conditions = append(conditions, "speaker = "+next(opts.Speaker))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT conversation_id, speaker, role, text, location, timestamp\n" +
		"FROM   transcript_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collectEntries(rows)
}

// EntryCount implements [memory.Store].
func (s *Store) EntryCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM transcript_entries WHERE conversation_id = $1",
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres store: entry count: %w", err)
	}
	return n, nil
}

func collectEntries(rows pgx.Rows) ([]memory.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var e memory.Entry
		err := row.Scan(&e.ConversationID, &e.Speaker, &e.Role, &e.Text, &e.Location, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return entries, nil
}
