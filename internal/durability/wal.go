package durability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/comalice/energyflow/internal/session"
)

// WAL is the append-only log of state-changing occurrences, backed by
// SQLite. Entry IDs are assigned by AUTOINCREMENT at commit: strictly
// increasing, never reused, and they define replay order. Entries are never
// updated; deletion happens only through Compact after a newer snapshot has
// made them redundant.
type WAL struct {
	db *sql.DB
}

const walSchema = `
CREATE TABLE IF NOT EXISTS log_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT    NOT NULL,
	at_nanos   INTEGER NOT NULL,
	payload    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_session ON log_entries(session_id, id);
`

// OpenWAL opens (creating if needed) the log database at path.
func OpenWAL(path string) (*WAL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}
	// Single writer goroutine; one connection keeps sqlite happy.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(walSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal schema: %w", err)
	}
	return &WAL{db: db}, nil
}

// Close releases the database handle.
func (w *WAL) Close() error { return w.db.Close() }

// Append commits a batch of entries in one transaction, in slice order, and
// returns the ID assigned to the last entry. Commit order equals enqueue
// order because the background writer is the only caller.
func (w *WAL) Append(ctx context.Context, entries []session.LogEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("wal begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO log_entries (session_id, at_nanos, payload) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("wal prepare: %w", err)
	}
	defer stmt.Close()

	var lastID int64
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("wal entry marshal: %w", err)
		}
		res, err := stmt.ExecContext(ctx, e.SessionID, e.At.UnixNano(), string(payload))
		if err != nil {
			return 0, fmt.Errorf("wal insert: %w", err)
		}
		if lastID, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("wal last id: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("wal commit: %w", err)
	}
	return lastID, nil
}

// EntriesAfter streams every committed entry for the session with ID
// strictly greater than afterID, in ID order.
func (w *WAL) EntriesAfter(ctx context.Context, sessionID string, afterID int64) ([]session.LogEntry, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT id, payload FROM log_entries WHERE session_id = ? AND id > ? ORDER BY id`,
		sessionID, afterID)
	if err != nil {
		return nil, fmt.Errorf("wal query: %w", err)
	}
	defer rows.Close()

	var out []session.LogEntry
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("wal scan: %w", err)
		}
		var e session.LogEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("wal entry unmarshal (id %d): %w", id, err)
		}
		e.ID = id
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastID returns the highest committed entry ID for the session, zero when
// the log is empty.
func (w *WAL) LastID(ctx context.Context, sessionID string) (int64, error) {
	var id sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM log_entries WHERE session_id = ?`, sessionID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("wal last id: %w", err)
	}
	return id.Int64, nil
}

// Compact deletes entries at or below cutoffID. Callers invoke it only
// after a snapshot incorporating cutoffID has durably committed.
func (w *WAL) Compact(ctx context.Context, sessionID string, cutoffID int64) error {
	_, err := w.db.ExecContext(ctx,
		`DELETE FROM log_entries WHERE session_id = ? AND id <= ?`, sessionID, cutoffID)
	if err != nil {
		return fmt.Errorf("wal compact: %w", err)
	}
	return nil
}
