package batch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/relax.report/internal/db"
	"github.com/banshee-data/relax.report/internal/invalid"
	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/monitoring"
	"github.com/banshee-data/relax.report/internal/testutil"
	"github.com/banshee-data/relax.report/internal/timeutil"
)

var t0 = time.Date(2022, 9, 1, 10, 0, 0, 0, time.UTC)

func init() {
	monitoring.SetLogger(nil)
}

// flakyStore fails to list the sessions of one group.
type flakyStore struct {
	*testutil.MemStore
	failGroup int64
}

func (f flakyStore) SessionsInGroup(ctx context.Context, groupID int64) ([]measure.Session, error) {
	if groupID == f.failGroup {
		return nil, errors.New("disk on fire")
	}
	return f.MemStore.SessionsInGroup(ctx, groupID)
}

type fakeRuns struct {
	mu      sync.Mutex
	started []string
	totals  map[string]db.RunTotals
}

func (f *fakeRuns) StartRun(_ context.Context, _ timeutil.Clock, kind string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, kind)
	return "run-1", nil
}

func (f *fakeRuns) FinishRun(_ context.Context, _ timeutil.Clock, runID string, t db.RunTotals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.totals == nil {
		f.totals = make(map[string]db.RunTotals)
	}
	f.totals[runID] = t
	return nil
}

func fixture() flakyStore {
	m := testutil.NewMemStore()
	m.AddGroup(testutil.GroupSpec{
		PatientID: "T001", GroupID: 1, FirstID: 1, Start: t0, Duration: time.Hour,
		Flats: []testutil.Flat{{From: 984, To: 21015}},
	})
	m.AddGroup(testutil.GroupSpec{PatientID: "F001", GroupID: 2, FirstID: 20, Start: t0, Duration: time.Hour})
	m.AddGroup(testutil.GroupSpec{PatientID: "F001", Week: 2, GroupID: 3, FirstID: 40, Start: t0.AddDate(0, 0, 7), Duration: time.Hour})
	return flakyStore{MemStore: m, failGroup: 3}
}

func TestRunner_MarkInvalid(t *testing.T) {
	store := fixture()
	runs := &fakeRuns{}
	clock := timeutil.NewMockClock(t0)
	opened := 0
	var mu sync.Mutex
	r := &Runner{
		Open: func() (Store, error) {
			mu.Lock()
			opened++
			mu.Unlock()
			return store, nil
		},
		Workers: 2,
		Runs:    runs,
		Clock:   clock,
	}

	sum, err := r.MarkInvalid(context.Background(), []string{"T001", "F001", "X999"})
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Patients)
	assert.Equal(t, 0, sum.FailedPatients)
	assert.Equal(t, 3, sum.Groups)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Flatlines)
	assert.Equal(t, 2, sum.Outcomes[invalid.OutcomeAnalysed])
	assert.Positive(t, sum.InvalidSamples)
	assert.Equal(t, "run-1", sum.RunID)
	// One probe plus one handle per patient.
	assert.Equal(t, 4, opened)

	assert.Equal(t, []string{RunKind}, runs.started)
	assert.Equal(t, db.RunTotals{
		Groups:         3,
		FailedGroups:   1,
		TotalSamples:   sum.TotalSamples,
		InvalidSamples: sum.InvalidSamples,
	}, runs.totals["run-1"])

	// The clean group is written once per session with no ranges.
	for id := int64(20); id < 28; id++ {
		assert.Equal(t, 1, store.Writes(id), "session %d", id)
	}
	assert.Equal(t, 0, store.Writes(40))
}

func TestRunner_MatchesSequentialRun(t *testing.T) {
	patients := []string{"T001", "F001"}
	seq, err := (&Runner{Open: func() (Store, error) { return fixture(), nil }, Workers: 1}).MarkInvalid(context.Background(), patients)
	require.NoError(t, err)
	par, err := (&Runner{Open: func() (Store, error) { return fixture(), nil }, Workers: 8}).MarkInvalid(context.Background(), patients)
	require.NoError(t, err)

	seq.Elapsed, par.Elapsed = 0, 0
	assert.Equal(t, seq, par)
}

func TestRunner_Configure(t *testing.T) {
	store := fixture()
	r := &Runner{
		Open: func() (Store, error) { return store, nil },
		Configure: func(p *invalid.Propagator) {
			p.Policy.Expected = []int{9}
		},
	}
	sum, err := r.MarkInvalid(context.Background(), []string{"T001"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Outcomes[invalid.OutcomeCardinality])
}

func TestRunner_OpenFailure(t *testing.T) {
	r := &Runner{Open: func() (Store, error) { return nil, errors.New("locked") }}
	_, err := r.MarkInvalid(context.Background(), []string{"T001"})
	assert.ErrorContains(t, err, "locked")
}

func TestRunner_WorkerOpenFailure(t *testing.T) {
	store := fixture()
	calls := 0
	var mu sync.Mutex
	r := &Runner{
		Open: func() (Store, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls > 1 {
				return nil, errors.New("too many handles")
			}
			return store, nil
		},
	}
	sum, err := r.MarkInvalid(context.Background(), []string{"T001", "F001"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.FailedPatients)
	assert.Equal(t, 0, sum.Groups)
}

func TestRunner_Cancelled(t *testing.T) {
	store := fixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &Runner{Open: func() (Store, error) { return store, nil }}
	_, err := r.MarkInvalid(ctx, []string{"T001"})
	assert.ErrorIs(t, err, context.Canceled)
}

func seedGroup(t *testing.T, d *db.DB, patientID string, start time.Time, dur time.Duration) []int64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.EnsurePatient(ctx, patientID))

	var ids []int64
	for _, typ := range measure.AllTypes {
		s := measure.Stream{ID: measure.StreamID(patientID, 1, typ), PatientID: patientID, Week: 1, Type: typ, SampleRate: measure.DefaultRates[typ]}
		require.NoError(t, d.UpsertMeasurement(ctx, s))

		var id int64
		var err error
		switch {
		case typ == measure.IBI:
			id, err = d.InsertIBISession(ctx, s.ID, start, testutil.Beats(dur, 0.8))
		case typ.IsAccelerometer():
			id, err = d.InsertSession(ctx, s.ID, start, testutil.Axis(int(dur.Seconds()*s.SampleRate)))
		default:
			id, err = d.InsertSession(ctx, s.ID, start, testutil.Constant(int(dur.Seconds()*s.SampleRate), 1))
		}
		require.NoError(t, err)
		ids = append(ids, id)
	}
	groupID, err := d.UpsertGroup(ctx, patientID, 1, start)
	require.NoError(t, err)
	require.NoError(t, d.AssignGroup(ctx, groupID, ids...))
	return ids
}

func TestRunner_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relax.db")
	primary, err := db.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { primary.Close() })
	ids := seedGroup(t, primary, "F001", t0, 20*time.Minute)

	clock := timeutil.NewMockClock(t0)
	r := &Runner{
		Open: func() (Store, error) {
			return db.OpenDB(path)
		},
		Workers: 2,
		Runs:    primary,
		Clock:   clock,
	}
	sum, err := r.MarkInvalid(context.Background(), []string{"F001"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Groups)
	assert.Equal(t, 1, sum.Outcomes[invalid.OutcomeAnalysed])
	assert.Zero(t, sum.InvalidSamples)

	for _, id := range ids {
		rs, err := primary.InvalidRanges(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, rs, "session %d", id)
	}

	run, err := primary.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunKind, run.Kind)
	assert.Equal(t, int64(1), run.Groups)
	assert.Equal(t, sum.TotalSamples, run.TotalSamples)
	require.NotNil(t, run.FinishedAt)
}
