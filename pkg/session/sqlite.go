package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps one row per session in a SQLite database. The history
// is stored as a JSON array; an upsert inside a transaction replaces a
// record atomically.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorage, err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrStorage, err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    system_prompt TEXT,
    history TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`
	_, err := b.db.Exec(schema)
	return err
}

// Load reads the row for id.
func (b *SQLiteBackend) Load(ctx context.Context, id string) (*Session, error) {
	var (
		prompt           sql.NullString
		history          string
		created, updated string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT system_prompt, history, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&prompt, &history, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrStorage, id, err)
	}

	s := New(id)
	if prompt.Valid {
		p := prompt.String
		s.SystemPrompt = &p
	}
	if err := json.Unmarshal([]byte(history), &s.History); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStorage, id, err)
	}
	if s.History == nil {
		s.History = []Turn{}
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return s, nil
}

// Save upserts the row for s.ID.
func (b *SQLiteBackend) Save(ctx context.Context, s *Session) error {
	history, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrStorage, s.ID, err)
	}

	var prompt sql.NullString
	if s.SystemPrompt != nil {
		prompt = sql.NullString{String: *s.SystemPrompt, Valid: true}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin %s: %v", ErrStorage, s.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (id, system_prompt, history, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    system_prompt = excluded.system_prompt,
    history = excluded.history,
    updated_at = excluded.updated_at`,
		s.ID, prompt, string(history),
		s.CreatedAt.UTC().Format(time.RFC3339Nano),
		s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", ErrStorage, s.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s: %v", ErrStorage, s.ID, err)
	}
	return nil
}

// Remove deletes the row for id. A missing row is not an error.
func (b *SQLiteBackend) Remove(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStorage, id, err)
	}
	return nil
}

// List returns all session ids in lexical order.
func (b *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
	}
	return ids, nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

var _ Backend = (*SQLiteBackend)(nil)
