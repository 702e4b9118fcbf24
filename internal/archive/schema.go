// Package archive persists the text of session logs to PostgreSQL.
//
// Only the rendered log entries are stored (transcriptions, summaries and
// errors); audio never leaves the process except as chunks on the websocket.
//
// Usage:
//
//	store, err := archive.NewStore(ctx, dsn)
//	if err != nil { … }
//	w := archive.NewWriter(store, 512)
//	go w.Run(ctx)
//	orch, _ := session.New(src, tr, cfg, session.WithArchiver(w))
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessionLog = `
CREATE TABLE IF NOT EXISTS session_log (
    id             BIGSERIAL    PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    entry_id       INTEGER      NOT NULL,
    kind           TEXT         NOT NULL,
    text           TEXT         NOT NULL,
    original_text  TEXT         NOT NULL DEFAULT '',
    is_english     BOOLEAN      NOT NULL DEFAULT false,
    timestamp      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_log_session_timestamp
    ON session_log (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_session_log_fts
    ON session_log USING GIN (to_tsvector('simple', text || ' ' || original_text));
`

// Migrate creates the archive table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessionLog); err != nil {
		return fmt.Errorf("archive migrate: %w", err)
	}
	return nil
}
