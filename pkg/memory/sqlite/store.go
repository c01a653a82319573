// Package sqlite provides an embedded [memory.Store] on the pure-Go
// modernc.org/sqlite driver, for single-player setups that do not run a
// database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/MrWong99/parley/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store implements [memory.Store] on a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates it. The
// database runs in WAL mode with foreign keys on and a 5s busy timeout.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	memoryDB := path == ":memory:"
	if !memoryDB {
		if _, err := os.Stat(filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("sqlite store: parent directory of %q: %w", path, err)
		}
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %q: %w", path, err)
	}
	// Every connection to :memory: is its own database.
	if memoryDB {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping %q: %w", path, err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddParticipants implements [memory.Store].
func (s *Store) AddParticipants(ctx context.Context, conversationID string, characters ...string) error {
	if conversationID == "" {
		return memory.ErrNoConversation
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: add participants: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range characters {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO conversation_participants (conversation_id, character) VALUES (?, ?)",
			conversationID, c,
		)
		if err != nil {
			return fmt.Errorf("sqlite store: add participant %s: %w", c, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: add participants: %w", err)
	}
	return nil
}

// WriteEntry implements [memory.Store].
func (s *Store) WriteEntry(ctx context.Context, e memory.Entry) error {
	if e.ConversationID == "" {
		return memory.ErrNoConversation
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_entries (conversation_id, speaker, role, text, location, ts_us)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ConversationID, e.Speaker, e.Role, e.Text, e.Location, ts.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: write entry: %w", err)
	}
	return nil
}

// Recall implements [memory.Store].
func (s *Store) Recall(ctx context.Context, character string, limit int) ([]memory.Entry, error) {
	if limit <= 0 {
		return []memory.Entry{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, speaker, role, text, location, ts_us
		FROM (
		    SELECT e.id, e.conversation_id, e.speaker, e.role, e.text, e.location, e.ts_us
		    FROM   transcript_entries e
		    JOIN   conversation_participants p ON p.conversation_id = e.conversation_id
		    WHERE  p.character = ?
		    ORDER  BY e.ts_us DESC, e.id DESC
		    LIMIT  ?
		)
		ORDER BY ts_us, id`,
		character, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: recall: %w", err)
	}
	return scanEntries(rows)
}

// Search implements [memory.Store]. Every word of query must appear in the
// entry text, case-insensitively for ASCII.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Entry, error) {
	var (
		conditions []string
		args       []any
	)
	for _, word := range strings.Fields(query) {
		conditions = append(conditions, "text LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(word)+"%")
	}
	if opts.ConversationID != "" {
		conditions = append(conditions, "conversation_id = ?")
		args = append(args, opts.ConversationID)
	}
	if opts.Speaker != "" {
		conditions = append(conditions, "speaker = ?")
		args = append(args, opts.Speaker)
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "ts_us > ?")
		args = append(args, opts.After.UnixMicro())
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "ts_us < ?")
		args = append(args, opts.Before.UnixMicro())
	}

	q := "SELECT conversation_id, speaker, role, text, location, ts_us FROM transcript_entries"
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += " ORDER BY ts_us, id"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: search: %w", err)
	}
	return scanEntries(rows)
}

// EntryCount implements [memory.Store].
func (s *Store) EntryCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transcript_entries WHERE conversation_id = ?",
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: entry count: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]memory.Entry, error) {
	defer rows.Close()
	entries := []memory.Entry{}
	for rows.Next() {
		var (
			e  memory.Entry
			us int64
		)
		if err := rows.Scan(&e.ConversationID, &e.Speaker, &e.Role, &e.Text, &e.Location, &us); err != nil {
			return nil, fmt.Errorf("sqlite store: scan: %w", err)
		}
		e.Timestamp = time.UnixMicro(us)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: rows: %w", err)
	}
	return entries, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}
