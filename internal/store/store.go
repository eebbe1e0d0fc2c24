package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/cellbridge/internal/measurement"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection holding analysis runs and their
// per-row measurement tables.
type Store struct {
	conn *pgx.Conn
}

// Run is one invocation of a pipeline over a host table.
type Run struct {
	ID                  uuid.UUID
	PipelinePath        string
	PipelineFingerprint string
	ModulePath          string
	Merged              bool
	StartedAt           time.Time
	FinishedAt          *time.Time
	RowCount            int
}

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the run and result tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS analysis_runs (
			id UUID PRIMARY KEY,
			pipeline_path TEXT NOT NULL,
			pipeline_fingerprint TEXT NOT NULL,
			module_path TEXT NOT NULL,
			merged BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			row_count INT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS row_results (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES analysis_runs(id) ON DELETE CASCADE,
			row_key TEXT NOT NULL,
			position INT NOT NULL,
			table_name TEXT NOT NULL,
			feature_count INT NOT NULL,
			table_hash BIGINT NOT NULL,
			data BYTEA NOT NULL,
			UNIQUE (run_id, row_key, table_name)
		);
		CREATE INDEX IF NOT EXISTS row_results_run_id_idx ON row_results (run_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// CreateRun registers a new run and returns its id. A zero r.ID is replaced
// by a fresh random id.
func (s *Store) CreateRun(ctx context.Context, r Run) (uuid.UUID, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO analysis_runs (id, pipeline_path, pipeline_fingerprint, module_path, merged, started_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6)
	`, r.ID.String(), r.PipelinePath, r.PipelineFingerprint, r.ModulePath, r.Merged, r.StartedAt)
	if err != nil {
		return uuid.Nil, err
	}
	return r.ID, nil
}

// FinishRun stamps the run as complete with its final row count.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, rows int) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE analysis_runs SET finished_at = NOW(), row_count = $2 WHERE id = $1::uuid
	`, id.String(), rows)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// InsertResult saves every table of one row. Re-inserting a row replaces
// its previous tables.
func (s *Store) InsertResult(ctx context.Context, runID uuid.UUID, res *measurement.Result) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// 1. Clean up old data to ensure idempotency
	if _, err := tx.Exec(ctx, "DELETE FROM row_results WHERE run_id = $1::uuid AND row_key = $2", runID.String(), res.RowKey); err != nil {
		return err
	}

	// 2. One row per result table
	for i, name := range res.Names() {
		t := res.Table(name)
		data, err := t.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode table %s of row %s: %w", name, res.RowKey, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO row_results (run_id, row_key, position, table_name, feature_count, table_hash, data)
			VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
		`, runID.String(), res.RowKey, i, name, t.Len(), int64(t.Hash()), data)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetRun fetches one run.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT id::text, pipeline_path, pipeline_fingerprint, module_path, merged, started_at, finished_at, row_count
		FROM analysis_runs WHERE id = $1::uuid
	`, id.String())
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id::text, pipeline_path, pipeline_fingerprint, module_path, merged, started_at, finished_at, row_count
		FROM analysis_runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (Run, error) {
	var r Run
	var id string
	if err := row.Scan(&id, &r.PipelinePath, &r.PipelineFingerprint, &r.ModulePath, &r.Merged, &r.StartedAt, &r.FinishedAt, &r.RowCount); err != nil {
		return Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Run{}, err
	}
	r.ID = parsed
	return r, nil
}

// GetResults rebuilds the results of a run in insertion order. Stored
// tables whose hash no longer matches their data are reported as errors.
func (s *Store) GetResults(ctx context.Context, runID uuid.UUID) ([]*measurement.Result, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT row_key, table_name, table_hash, data
		FROM row_results WHERE run_id = $1::uuid
		ORDER BY id
	`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*measurement.Result
	byKey := make(map[string]*measurement.Result)
	for rows.Next() {
		var key, name string
		var hash int64
		var data []byte
		if err := rows.Scan(&key, &name, &hash, &data); err != nil {
			return nil, err
		}
		t := measurement.NewTable()
		if err := t.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("row %s table %s: %w", key, name, err)
		}
		if int64(t.Hash()) != hash {
			return nil, fmt.Errorf("row %s table %s: stored hash does not match data", key, name)
		}
		res, ok := byKey[key]
		if !ok {
			res = measurement.NewResult(key)
			byKey[key] = res
			out = append(out, res)
		}
		res.Set(name, t)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS row_results CASCADE;
		DROP TABLE IF EXISTS analysis_runs CASCADE;
	`)
	return err
}

// RunSink returns a sink that stores results under runID and finishes the
// run with the number of stored rows when closed.
func (s *Store) RunSink(runID uuid.UUID) Sink {
	return &runSink{store: s, id: runID}
}

type runSink struct {
	store *Store
	id    uuid.UUID
	rows  int
}

func (r *runSink) Put(ctx context.Context, res *measurement.Result) error {
	if err := r.store.InsertResult(ctx, r.id, res); err != nil {
		return err
	}
	r.rows++
	return nil
}

func (r *runSink) Close(ctx context.Context) error {
	return r.store.FinishRun(ctx, r.id, r.rows)
}
