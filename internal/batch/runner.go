// Package batch fans the invalidity propagation out over patients.
package batch

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/relax.report/internal/db"
	"github.com/banshee-data/relax.report/internal/invalid"
	"github.com/banshee-data/relax.report/internal/monitoring"
	"github.com/banshee-data/relax.report/internal/timeutil"
)

// RunKind is the analysis_run kind recorded by MarkInvalid.
const RunKind = "mark-invalid"

// Store is what one worker needs: group listing plus the propagator's
// reads and writes.
type Store interface {
	invalid.Store
	GroupsForPatient(ctx context.Context, patientID string) ([]int64, error)
}

// RunRecorder persists run bookkeeping.
type RunRecorder interface {
	StartRun(ctx context.Context, clock timeutil.Clock, kind string) (string, error)
	FinishRun(ctx context.Context, clock timeutil.Clock, runID string, t db.RunTotals) error
}

// Summary is the aggregated result of a batch.
type Summary struct {
	invalid.Report
	Patients int
	// FailedPatients counts patients whose groups could not be listed or
	// whose store could not be opened.
	FailedPatients int
	RunID          string
	Elapsed        time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("patients=%d failed_patients=%d %s in %s", s.Patients, s.FailedPatients, s.Report, s.Elapsed.Round(time.Millisecond))
}

// Runner processes patients with a bounded number of workers. Each worker
// opens its own store handle.
type Runner struct {
	Open    func() (Store, error)
	Workers int
	// Configure adjusts each worker's propagator, e.g. to apply a loaded
	// analysis config.
	Configure func(*invalid.Propagator)
	// Runs records the batch when set.
	Runs  RunRecorder
	Clock timeutil.Clock
}

type patientResult struct {
	report invalid.Report
	failed bool
}

// MarkInvalid runs the propagator over every group of every patient.
// Group failures are logged and counted; only a store that cannot be
// opened before any work starts, or a cancelled context, aborts the batch.
func (r *Runner) MarkInvalid(ctx context.Context, patients []string) (Summary, error) {
	clock := r.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	started := clock.Now()

	probe, err := r.Open()
	if err != nil {
		return Summary{}, fmt.Errorf("failed to open store: %w", err)
	}
	closeStore(probe)

	var runID string
	if r.Runs != nil {
		if runID, err = r.Runs.StartRun(ctx, clock, RunKind); err != nil {
			return Summary{}, err
		}
	}

	workers := max(r.Workers, 1)
	results := make([]patientResult, len(patients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range patients {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.patient(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	sum := Summary{Patients: len(patients), RunID: runID}
	for _, res := range results {
		sum.Report.Add(res.report)
		if res.failed {
			sum.FailedPatients++
		}
	}
	sum.Elapsed = clock.Since(started)

	if r.Runs != nil {
		totals := db.RunTotals{
			Groups:         int64(sum.Groups),
			FailedGroups:   int64(sum.Failed),
			TotalSamples:   sum.TotalSamples,
			InvalidSamples: sum.InvalidSamples,
		}
		if err := r.Runs.FinishRun(ctx, clock, runID, totals); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (r *Runner) patient(ctx context.Context, patientID string) patientResult {
	logf := monitoring.With("patient", patientID)
	store, err := r.Open()
	if err != nil {
		logf("failed to open store: %v", err)
		return patientResult{failed: true}
	}
	defer closeStore(store)

	groups, err := store.GroupsForPatient(ctx, patientID)
	if err != nil {
		logf("%v", err)
		return patientResult{failed: true}
	}

	p := invalid.NewPropagator(store)
	if r.Configure != nil {
		r.Configure(p)
	}
	var res patientResult
	for _, groupID := range groups {
		if ctx.Err() != nil {
			break
		}
		rep, err := p.ProcessGroup(ctx, groupID)
		if err != nil {
			logf("group %d: %v", groupID, err)
			res.report.Add(invalid.Report{Groups: 1, Failed: 1})
			continue
		}
		res.report.Add(rep)
	}
	logf("%s", res.report)
	return res
}

func closeStore(s Store) {
	if c, ok := s.(io.Closer); ok {
		c.Close()
	}
}
