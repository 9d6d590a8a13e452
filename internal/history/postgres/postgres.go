package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/sketchd/internal/history"
)

// Sink appends sketch lifecycle events to a PostgreSQL table via the pgx
// stdlib driver.
type Sink struct {
	db *sql.DB
}

func New(dsn string) (*Sink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("empty postgres dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sketch_history (
			id BIGSERIAL PRIMARY KEY,
			type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			detail TEXT NULL
		);`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_sketch_history_name ON sketch_history(name);`)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sketch_history(type, occurred_at, name, status, pid, detail)
		VALUES($1, $2, $3, $4, $5, $6);`,
		string(e.Type), e.OccurredAt.UTC(), e.Name, string(e.Status), e.PID, e.Detail)
	return err
}

func (s *Sink) Close() error { return s.db.Close() }

// CountByName is a test/inspection helper.
func (s *Sink) CountByName(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sketch_history WHERE name=$1;`, name).Scan(&n)
	return n, err
}
