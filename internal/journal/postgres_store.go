package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists runs in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    id TEXT PRIMARY KEY,
    idem_key TEXT,
    workflow TEXT NOT NULL,
    status TEXT NOT NULL,
    doc JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_runs_idem_key ON workflow_runs (idem_key);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Run, error) {
	return p.scanRun(p.pool.QueryRow(ctx, `SELECT doc FROM workflow_runs WHERE id = $1`, id))
}

func (p *PostgresStore) GetByKey(ctx context.Context, key string) (*Run, error) {
	if key == "" {
		return nil, nil
	}
	return p.scanRun(p.pool.QueryRow(ctx, `
SELECT doc FROM workflow_runs
WHERE idem_key = $1
ORDER BY updated_at DESC
LIMIT 1
`, key))
}

func (p *PostgresStore) scanRun(row pgx.Row) (*Run, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *PostgresStore) Save(ctx context.Context, run Run) error {
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now()
	}
	doc, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO workflow_runs (id, idem_key, workflow, status, doc, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET idem_key = EXCLUDED.idem_key,
    status = EXCLUDED.status,
    doc = EXCLUDED.doc,
    updated_at = EXCLUDED.updated_at
`, run.ID, run.Key, run.Workflow, string(run.Status), doc, run.CreatedAt, run.UpdatedAt)
	return err
}
