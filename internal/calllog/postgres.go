package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hablo-ai/voicegate/internal/backend"
)

// PostgresStore keeps a copy of every final call report. Optional: the relay
// only writes here when DATABASE_URL is configured, the HTTP sink stays the
// source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_reports (
			id TEXT PRIMARY KEY,
			call_log_id TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			report JSONB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_reports_call_log ON call_reports (call_log_id, ended_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init call_reports schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, id string, report backend.CallReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_reports (id, call_log_id, status, duration_seconds, ended_at, report)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO NOTHING`,
		id, report.CallLogID, report.Status, report.DurationSeconds, report.EndedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("save call report: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
