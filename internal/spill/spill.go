// Package spill keeps a local SQLite queue of location updates that failed to
// persist transiently, so a later run can replay them instead of losing them.
package spill

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"owntracks/db-bridge/internal/model"
)

// Config enables the spill queue and locates its database file.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Queue wraps the SQLite database holding spilled updates.
type Queue struct {
	db *sql.DB
}

// Open initializes the spill database, creating directories as needed.
func Open(ctx context.Context, path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spill directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open spill db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	stmt := `CREATE TABLE IF NOT EXISTS spilled_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		userid TEXT NOT NULL,
		device TEXT NOT NULL,
		record TEXT NOT NULL,
		error TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init spill schema: %w", err)
	}

	return &Queue{db: db}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Append stores a record that could not be persisted, together with the error
// that caused the spill.
func (q *Queue) Append(ctx context.Context, rec *model.EventRecord, cause error) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode spilled record: %w", err)
	}

	_, err = q.db.ExecContext(
		ctx,
		`INSERT INTO spilled_updates (userid, device, record, error) VALUES (?, ?, ?, ?);`,
		rec.User,
		rec.Device,
		string(encoded),
		cause.Error(),
	)
	if err != nil {
		return fmt.Errorf("append spilled record: %w", err)
	}
	return nil
}

// Pending returns the number of spilled records awaiting replay.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spilled_updates;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spilled records: %w", err)
	}
	return n, nil
}

// Replay feeds spilled records oldest-first into fn, deleting each row once fn
// returns nil. A non-nil error from fn stops the replay and leaves the
// remaining rows in place; the count of replayed records is returned either
// way. Callers that want to discard a poisoned record return nil for it.
func (q *Queue) Replay(ctx context.Context, fn func(context.Context, *model.EventRecord) error) (int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, record FROM spilled_updates ORDER BY id ASC;`)
	if err != nil {
		return 0, fmt.Errorf("query spilled records: %w", err)
	}
	defer rows.Close()

	type spilled struct {
		id      int64
		encoded string
	}
	var pending []spilled
	for rows.Next() {
		var s spilled
		if err := rows.Scan(&s.id, &s.encoded); err != nil {
			return 0, fmt.Errorf("scan spilled record: %w", err)
		}
		pending = append(pending, s)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate spilled records: %w", err)
	}

	replayed := 0
	for _, s := range pending {
		var rec model.EventRecord
		if err := json.Unmarshal([]byte(s.encoded), &rec); err != nil {
			return replayed, fmt.Errorf("decode spilled record %d: %w", s.id, err)
		}
		if err := fn(ctx, &rec); err != nil {
			return replayed, err
		}
		if _, err := q.db.ExecContext(ctx, `DELETE FROM spilled_updates WHERE id = ?;`, s.id); err != nil {
			return replayed, fmt.Errorf("delete spilled record %d: %w", s.id, err)
		}
		replayed++
	}
	return replayed, nil
}
