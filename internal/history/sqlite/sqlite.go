package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/sketchd/internal/history"
)

// Sink appends sketch lifecycle events to a local SQLite file (CGO-free
// modernc.org driver). Path ":memory:" yields an in-memory database.
type Sink struct {
	db *sql.DB
}

func New(path string) (*Sink, error) {
	p := strings.TrimSpace(strings.TrimPrefix(path, "sqlite://"))
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sketch_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sketch_history_name ON sketch_history(name);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sketch_history(type, occurred_at, name, status, pid, detail)
		VALUES(?, ?, ?, ?, ?, ?);`,
		string(e.Type), e.OccurredAt.UTC(), e.Name, string(e.Status), e.PID, e.Detail)
	return err
}

func (s *Sink) Close() error { return s.db.Close() }

// CountByName is a test/inspection helper.
func (s *Sink) CountByName(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sketch_history WHERE name=?;`, name).Scan(&n)
	return n, err
}
