package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite with WAL mode.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite creates and initializes a SQLite transcript database.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("transcript: sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("transcript: open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("transcript: exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("transcript: ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		local_id    TEXT NOT NULL,
		kind        TEXT NOT NULL,
		role        TEXT NOT NULL DEFAULT '',
		text        TEXT NOT NULL DEFAULT '',
		payload     BLOB,
		created_at  TEXT NOT NULL,
		UNIQUE(session_id, local_id)
	);

	CREATE TABLE IF NOT EXISTS session_meta (
		session_id            TEXT PRIMARY KEY,
		watermark_fingerprint TEXT NOT NULL DEFAULT '',
		watermark_at          TEXT NOT NULL DEFAULT '',
		updated_at            TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_session ON items(session_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FetchTail returns up to n of the most recent message items, oldest first.
func (s *SQLiteStore) FetchTail(ctx context.Context, sessionID string, n int) ([]TextItem, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, text FROM items
		WHERE session_id = ? AND kind = 'message'
		ORDER BY id DESC LIMIT ?`,
		sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("transcript: fetch tail: %w", err)
	}
	defer rows.Close()

	var reversed []TextItem
	for rows.Next() {
		var it TextItem
		if err := rows.Scan(&it.Role, &it.Text); err != nil {
			return nil, fmt.Errorf("transcript: scan item: %w", err)
		}
		reversed = append(reversed, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: fetch tail: %w", err)
	}

	// Newest-first from the query; flip to chronological order.
	items := make([]TextItem, len(reversed))
	for i, it := range reversed {
		items[len(items)-1-i] = it
	}
	return items, nil
}

// AppendMessage appends a message item, ignoring duplicate local ids.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, localID, role, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO items (session_id, local_id, kind, role, text, created_at)
		VALUES (?, ?, 'message', ?, ?, ?)`,
		sessionID, localID, role, text, nowUTC())
	if err != nil {
		return fmt.Errorf("transcript: append message: %w", err)
	}
	return nil
}

// AppendEvent appends a non-message item, ignoring duplicate local ids.
func (s *SQLiteStore) AppendEvent(ctx context.Context, sessionID, localID, kind string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO items (session_id, local_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, localID, kind, payload, nowUTC())
	if err != nil {
		return fmt.Errorf("transcript: append event: %w", err)
	}
	return nil
}

// SaveWatermark upserts the reconciliation watermark for the session.
func (s *SQLiteStore) SaveWatermark(ctx context.Context, sessionID string, wm Watermark) error {
	at := wm.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_meta (session_id, watermark_fingerprint, watermark_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			watermark_fingerprint = excluded.watermark_fingerprint,
			watermark_at          = excluded.watermark_at,
			updated_at            = excluded.updated_at`,
		sessionID, wm.Fingerprint, at.Format(time.RFC3339Nano), nowUTC())
	if err != nil {
		return fmt.Errorf("transcript: save watermark: %w", err)
	}
	return nil
}

// Watermark returns the stored watermark, or a zero value when none exists.
func (s *SQLiteStore) Watermark(ctx context.Context, sessionID string) (Watermark, error) {
	var wm Watermark
	var at string
	err := s.db.QueryRowContext(ctx, `
		SELECT watermark_fingerprint, watermark_at FROM session_meta
		WHERE session_id = ?`, sessionID).Scan(&wm.Fingerprint, &at)
	if err == sql.ErrNoRows {
		return Watermark{}, nil
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("transcript: load watermark: %w", err)
	}
	if at != "" {
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			wm.UpdatedAt = t
		}
	}
	return wm, nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
