package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending schema migrations.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres DSN to the scheme the pgx/v5 migrate
// driver registers.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

type postgresRepo struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL, applies migrations and returns a repository.
func Open(ctx context.Context, dsn string) (Repository, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	return NewPostgresRepository(pool), nil
}

// NewPostgresRepository wraps an existing pool.
func NewPostgresRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepo{pool: pool}
}

func (r *postgresRepo) Close() { r.pool.Close() }

// CreateRun inserts a new run.
func (r *postgresRepo) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunStarted
	}
	skip := run.Skip
	if skip == nil {
		skip = []string{}
	}

	query := `
		INSERT INTO provision_runs (id, endpoint, chain_id, skip, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Endpoint,
		int64(run.ChainID),
		skip,
		string(run.Status),
		run.StartedAt,
	)
	return err
}

// FinishRun records the final status of a run.
func (r *postgresRepo) FinishRun(ctx context.Context, id uuid.UUID, status RunStatus, phase, errMsg string) error {
	query := `
		UPDATE provision_runs
		SET status = $2, phase = $3, error = $4, finished_at = $5
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, string(status), phase, errMsg, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// GetRun returns a run, or nil when it does not exist.
func (r *postgresRepo) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	query := `
		SELECT id, endpoint, chain_id, skip, status, phase, error, started_at, finished_at
		FROM provision_runs WHERE id = $1`

	var run Run
	var chainID int64
	var status string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.Endpoint,
		&chainID,
		&run.Skip,
		&status,
		&run.Phase,
		&run.Error,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.ChainID = uint64(chainID)
	run.Status = RunStatus(status)
	return &run, nil
}

// RecordTx appends a transaction event.
func (r *postgresRepo) RecordTx(ctx context.Context, ev *TxEvent) error {
	if ev.ID == "" {
		ev.ID = NewEventID(time.Now())
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO provision_tx_events
			(id, run_id, kind, label, operation, from_addr, to_addr, nonce, tx_hash, status, block, gas_used, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.pool.Exec(ctx, query,
		ev.ID,
		ev.RunID,
		ev.Kind,
		ev.Label,
		ev.Operation,
		ev.From,
		ev.To,
		int64(ev.Nonce),
		ev.TxHash,
		string(ev.Status),
		int64(ev.Block),
		int64(ev.GasUsed),
		ev.Error,
		ev.CreatedAt,
	)
	return err
}

// ListTxs returns a run's events in the order they were recorded.
func (r *postgresRepo) ListTxs(ctx context.Context, runID uuid.UUID) ([]*TxEvent, error) {
	query := `
		SELECT id, run_id, kind, label, operation, from_addr, to_addr, nonce, tx_hash, status, block, gas_used, error, created_at
		FROM provision_tx_events WHERE run_id = $1 ORDER BY id`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*TxEvent
	for rows.Next() {
		var ev TxEvent
		var nonce, block, gasUsed int64
		var status string
		if err := rows.Scan(
			&ev.ID, &ev.RunID, &ev.Kind, &ev.Label, &ev.Operation, &ev.From, &ev.To,
			&nonce, &ev.TxHash, &status, &block, &gasUsed, &ev.Error, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		ev.Nonce, ev.Block, ev.GasUsed = uint64(nonce), uint64(block), uint64(gasUsed)
		ev.Status = TxStatus(status)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
