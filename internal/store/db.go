package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"compass-pipeline/internal/model"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = eris.New("not found")

// DB is the SQLite-backed run and output store
type DB struct {
	db *sql.DB
}

// Open connects to the database at path and creates missing tables
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, eris.Wrapf(err, "open database %s", path)
	}
	conn.SetMaxOpenConns(1)

	d := &DB{db: conn}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying connection
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	// Create tables if not exists
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			parent TEXT,
			payload TEXT,
			context TEXT,
			status TEXT NOT NULL,
			created_at DATETIME,
			updated_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS run_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			stage TEXT,
			error_message TEXT,
			created_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS stage_progress (
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			outcome TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			PRIMARY KEY (run_id, stage)
		);`,
		`CREATE TABLE IF NOT EXISTS output_records (
			index_name TEXT NOT NULL,
			label TEXT NOT NULL,
			level TEXT NOT NULL,
			from_date TEXT NOT NULL,
			end_date TEXT NOT NULL,
			computed_at INTEGER NOT NULL,
			run_id TEXT,
			PRIMARY KEY (index_name, label, level, from_date, end_date)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_output_lookup
			ON output_records (index_name, label, level, computed_at DESC);`,
	}
	for _, stmt := range tables {
		if _, err := d.db.Exec(stmt); err != nil {
			return eris.Wrap(err, "migrate schema")
		}
	}
	return nil
}

// SaveRun stores a new pipeline run. Saving an existing id is a no-op.
func (d *DB) SaveRun(ctx context.Context, req model.Request) error {
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return eris.Wrap(err, "encode payload")
	}

	now := time.Now().UTC()
	_, err = d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (id, workflow, parent, payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Name, req.Parent, string(payloadJSON), model.StatusPending, now, now)
	return eris.Wrapf(err, "save run %s", req.ID)
}

// UpdateRunStatus updates run status
func (d *DB) UpdateRunStatus(ctx context.Context, runID, status string) error {
	now := time.Now().UTC()
	_, err := d.db.ExecContext(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, status, now, runID)
	return eris.Wrapf(err, "update run %s", runID)
}

// SaveRunContext stores the flattened pipeline context of a run
func (d *DB) SaveRunContext(ctx context.Context, runID string, flat map[string]interface{}) error {
	data, err := json.Marshal(flat)
	if err != nil {
		return eris.Wrap(err, "encode context")
	}
	now := time.Now().UTC()
	_, err = d.db.ExecContext(ctx, `UPDATE runs SET context = ?, updated_at = ? WHERE id = ?`, string(data), now, runID)
	return eris.Wrapf(err, "save context of run %s", runID)
}

// SaveRunError records an error for a run
func (d *DB) SaveRunError(ctx context.Context, runID, stage string, runErr error) error {
	if runErr == nil {
		return nil
	}
	now := time.Now().UTC()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO run_errors (run_id, stage, error_message, created_at) VALUES (?, ?, ?, ?)`,
		runID, stage, runErr.Error(), now)
	return eris.Wrapf(err, "save error of run %s", runID)
}

// SaveStageProgress upserts the state of one stage
func (d *DB) SaveStageProgress(ctx context.Context, p model.StageProgress) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO stage_progress (run_id, stage, outcome, attempts, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, stage) DO UPDATE SET
			outcome = excluded.outcome,
			attempts = excluded.attempts,
			finished_at = excluded.finished_at`,
		p.RunID, p.Stage, p.Outcome, p.Attempts, p.StartedAt, p.FinishedAt)
	return eris.Wrapf(err, "save stage %s of run %s", p.Stage, p.RunID)
}

// ListRuns returns all runs with basic info
func (d *DB) ListRuns(ctx context.Context) ([]model.RunSummary, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, workflow, status, COALESCE(parent, ''), created_at, updated_at FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "list runs")
	}
	defer rows.Close()

	runs := []model.RunSummary{}
	for rows.Next() {
		var r model.RunSummary
		if err := rows.Scan(&r.ID, &r.Workflow, &r.Status, &r.Parent, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "scan run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "iterate runs")
}

// GetRun fetches the full run record
func (d *DB) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var (
		run         model.Run
		payloadJSON sql.NullString
		contextJSON sql.NullString
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, workflow, status, COALESCE(parent, ''), payload, context, created_at, updated_at FROM runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.Workflow, &run.Status, &run.Parent, &payloadJSON, &contextJSON, &run.CreatedAt, &run.UpdatedAt)
	if eris.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "get run %s", runID)
	}

	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &run.Payload); err != nil {
			return nil, eris.Wrap(err, "decode payload")
		}
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &run.Context); err != nil {
			return nil, eris.Wrap(err, "decode context")
		}
	}
	return &run, nil
}

// GetRunErrors returns the errors recorded for a run, oldest first
func (d *DB) GetRunErrors(ctx context.Context, runID string) ([]model.RunError, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, run_id, COALESCE(stage, ''), error_message, created_at FROM run_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "get errors of run %s", runID)
	}
	defer rows.Close()

	errs := []model.RunError{}
	for rows.Next() {
		var e model.RunError
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "scan run error")
		}
		errs = append(errs, e)
	}
	return errs, eris.Wrap(rows.Err(), "iterate run errors")
}

// GetStageProgress returns the stage states of a run in start order
func (d *DB) GetStageProgress(ctx context.Context, runID string) ([]model.StageProgress, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT run_id, stage, outcome, attempts, started_at, finished_at FROM stage_progress WHERE run_id = ? ORDER BY started_at, rowid`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "get stages of run %s", runID)
	}
	defer rows.Close()

	stages := []model.StageProgress{}
	for rows.Next() {
		var (
			p        model.StageProgress
			finished sql.NullTime
		)
		if err := rows.Scan(&p.RunID, &p.Stage, &p.Outcome, &p.Attempts, &p.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "scan stage progress")
		}
		if finished.Valid {
			t := finished.Time
			p.FinishedAt = &t
		}
		stages = append(stages, p)
	}
	return stages, eris.Wrap(rows.Err(), "iterate stage progress")
}
