package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/relax.report/internal/timeutil"
	"github.com/banshee-data/relax.report/internal/version"
)

// Run is one recorded analysis run.
type Run struct {
	ID             string
	Kind           string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Groups         int64
	FailedGroups   int64
	TotalSamples   int64
	InvalidSamples int64
	Version        string
}

// RunTotals are the counters stored when a run finishes.
type RunTotals struct {
	Groups         int64
	FailedGroups   int64
	TotalSamples   int64
	InvalidSamples int64
}

// StartRun records the start of an analysis run and returns its id.
func (db *DB) StartRun(ctx context.Context, clock timeutil.Clock, kind string) (string, error) {
	id := uuid.New().String()
	_, err := db.ExecContext(ctx, `INSERT INTO analysis_run (run_id, kind, started_at, version)
		VALUES (?, ?, ?, ?)`, id, kind, clock.Now().UnixNano(), version.String())
	if err != nil {
		return "", fmt.Errorf("failed to start %s run: %w", kind, err)
	}
	return id, nil
}

// FinishRun stores the totals of a run and stamps its end time.
func (db *DB) FinishRun(ctx context.Context, clock timeutil.Clock, runID string, t RunTotals) error {
	res, err := db.ExecContext(ctx, `UPDATE analysis_run SET
			finished_at = ?, group_count = ?, failed_groups = ?, total_samples = ?, invalid_samples = ?
		WHERE run_id = ?`,
		clock.Now().UnixNano(), t.Groups, t.FailedGroups, t.TotalSamples, t.InvalidSamples, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

const runColumns = `run_id, kind, started_at, finished_at, group_count, failed_groups,
	total_samples, invalid_samples, version`

func scanRun(row rowScanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Kind, &started, &finished, &r.Groups, &r.FailedGroups,
		&r.TotalSamples, &r.InvalidSamples, &r.Version); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		f := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &f
	}
	return r, nil
}

// GetRun returns one run, or ErrNotFound.
func (db *DB) GetRun(ctx context.Context, runID string) (Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM analysis_run WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return r, nil
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+`
		FROM analysis_run ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
