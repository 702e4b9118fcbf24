package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livetranslate/internal/session"
)

// Record is one archived log entry.
type Record struct {
	SessionID string
	Entry     session.Entry
}

// SessionInfo summarises one archived session.
type SessionInfo struct {
	ID        string
	Entries   int
	StartedAt time.Time
	EndedAt   time.Time
}

// SearchOpts narrows a [Store.Search].
type SearchOpts struct {
	SessionID string
	After     time.Time
	Before    time.Time
	Limit     int
}

// Store is the PostgreSQL-backed archive. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// WriteEntries inserts records in one batch.
func (s *Store) WriteEntries(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	const q = `
		INSERT INTO session_log
		    (session_id, entry_id, kind, text, original_text, is_english, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	batch := &pgx.Batch{}
	for _, r := range records {
		e := r.Entry
		batch.Queue(q, r.SessionID, e.ID, e.Kind.String(), e.Text, e.OriginalText, e.IsEnglish, e.At)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archive: write entries: %w", err)
	}
	return nil
}

// Entries returns every archived entry of sessionID, oldest first.
func (s *Store) Entries(ctx context.Context, sessionID string) ([]session.Entry, error) {
	const q = `
		SELECT entry_id, kind, text, original_text, is_english, timestamp
		FROM   session_log
		WHERE  session_id = $1
		ORDER  BY timestamp, entry_id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: entries: %w", err)
	}
	return collectEntries(rows)
}

// Search runs a full-text query over translated and original text.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]session.Entry, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', text || ' ' || original_text) @@ plainto_tsquery('simple', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT entry_id, kind, text, original_text, is_english, timestamp\n" +
		"FROM   session_log\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectEntries(rows)
}

// Sessions lists archived sessions, most recent first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT session_id, count(*), min(timestamp), max(timestamp)
		FROM   session_log
		GROUP  BY session_id
		ORDER  BY max(timestamp) DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionInfo, error) {
		var si SessionInfo
		err := row.Scan(&si.ID, &si.Entries, &si.StartedAt, &si.EndedAt)
		return si, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan sessions: %w", err)
	}
	return out, nil
}

func collectEntries(rows pgx.Rows) ([]session.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Entry, error) {
		var (
			e    session.Entry
			kind string
		)
		if err := row.Scan(&e.ID, &kind, &e.Text, &e.OriginalText, &e.IsEnglish, &e.At); err != nil {
			return session.Entry{}, err
		}
		e.Kind = session.ParseEntryKind(kind)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []session.Entry{}
	}
	return entries, nil
}
