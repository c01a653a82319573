package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    speaker         TEXT         NOT NULL DEFAULT '',
    role            TEXT         NOT NULL DEFAULT '',
    text            TEXT         NOT NULL,
    location        TEXT         NOT NULL DEFAULT '',
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_conversation_timestamp
    ON transcript_entries (conversation_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_fts
    ON transcript_entries USING GIN (to_tsvector('english', text));

CREATE TABLE IF NOT EXISTS conversation_participants (
    conversation_id TEXT         NOT NULL,
    character       TEXT         NOT NULL,
    joined_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, character)
);

CREATE INDEX IF NOT EXISTS idx_conversation_participants_character
    ON conversation_participants (character);
`

// Migrate creates the tables and indexes the store needs. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
