package invalid

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/monitoring"
	"github.com/banshee-data/relax.report/internal/testutil"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func init() {
	monitoring.SetLogger(nil)
}

func ranges(t *testing.T, m *testutil.MemStore, id int64) measure.Ranges {
	t.Helper()
	rs, err := m.InvalidRanges(context.Background(), id)
	require.NoError(t, err)
	return rs
}

func TestProcessGroup_FlatlineAcrossStreams(t *testing.T) {
	m := testutil.NewMemStore()
	// Raw flat block [984,21015] gives a flat rolling std over [1000,21000],
	// i.e. 00:00:31.25 to 00:10:56.25.
	ids := m.AddGroup(testutil.GroupSpec{
		GroupID: 1, FirstID: 1, Start: t0, Duration: time.Hour,
		Flats: []testutil.Flat{{From: 984, To: 21015}},
	})

	p := NewPropagator(m)
	rep, err := p.ProcessGroup(context.Background(), 1)
	require.NoError(t, err)

	want := map[measure.Type]measure.Ranges{
		measure.AccX: {{Start: 1000, End: 21000}},
		measure.AccY: {{Start: 1000, End: 21000}},
		measure.AccZ: {{Start: 1000, End: 21000}},
		measure.HR:   {{Start: 31, End: 656}},
		measure.BVP:  {{Start: 2000, End: 42000}},
		measure.EDA:  {{Start: 125, End: 2625}},
		measure.TEMP: {{Start: 125, End: 2625}},
		measure.IBI:  {{Start: 39, End: 819}},
	}
	for typ, id := range ids {
		if diff := cmp.Diff(want[typ], ranges(t, m, id)); diff != "" {
			t.Errorf("%s ranges mismatch (-want +got):\n%s", typ, diff)
		}
		assert.Equal(t, 1, m.Writes(id), typ)
	}

	assert.Equal(t, 1, rep.Groups)
	assert.Equal(t, 8, rep.Sessions)
	assert.Equal(t, 1, rep.Flatlines)
	assert.Equal(t, 1, rep.Outcomes[OutcomeAnalysed])
	assert.Positive(t, rep.InvalidPercent())
}

func TestProcessGroup_Idempotent(t *testing.T) {
	m := testutil.NewMemStore()
	ids := m.AddGroup(testutil.GroupSpec{
		GroupID: 1, FirstID: 1, Start: t0, Duration: 2 * time.Hour,
		Flats: []testutil.Flat{{From: 500, To: 30000}, {From: 100000, To: 130000}},
	})
	p := NewPropagator(m)

	snapshot := func() map[int64]string {
		out := make(map[int64]string, len(ids))
		for _, id := range ids {
			b, err := json.Marshal(ranges(t, m, id))
			require.NoError(t, err)
			out[id] = string(b)
		}
		return out
	}

	first, err := p.ProcessGroup(context.Background(), 1)
	require.NoError(t, err)
	a := snapshot()
	second, err := p.ProcessGroup(context.Background(), 1)
	require.NoError(t, err)
	b := snapshot()

	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("second run changed ranges (-first +second):\n%s", diff)
	}
	assert.Equal(t, first, second)
	assert.Equal(t, 2, first.Flatlines)
}

func TestProcessGroup_ShortGroup(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		whole    bool
	}{
		{"599 seconds", 599 * time.Second, true},
		{"601 seconds", 601 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMemStore()
			ids := m.AddGroup(testutil.GroupSpec{GroupID: 1, FirstID: 1, Start: t0, Duration: tt.duration})
			rep, err := NewPropagator(m).ProcessGroup(context.Background(), 1)
			require.NoError(t, err)

			for typ, id := range ids {
				rs := ranges(t, m, id)
				if tt.whole {
					assert.Equal(t, measure.WholeSession(), rs, typ)
				} else {
					assert.Empty(t, rs, typ)
				}
			}
			if tt.whole {
				assert.Equal(t, 1, rep.Outcomes[OutcomeShort])
				assert.Equal(t, rep.TotalSamples, rep.InvalidSamples)
			} else {
				assert.Equal(t, 1, rep.Outcomes[OutcomeAnalysed])
				assert.Zero(t, rep.InvalidSamples)
			}
		})
	}
}

func TestProcessGroup_Cardinality(t *testing.T) {
	m := testutil.NewMemStore()
	ids := m.AddGroup(testutil.GroupSpec{GroupID: 1, FirstID: 1, Start: t0, Duration: time.Hour})
	m.Add(measure.Session{ID: 50, GroupID: 1, Type: measure.HR, Start: t0, SampleRate: 1}, testutil.Constant(10, 60))

	rep, err := NewPropagator(m).ProcessGroup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Outcomes[OutcomeCardinality])
	for _, id := range append(valuesOf(ids), 50) {
		assert.Equal(t, measure.WholeSession(), ranges(t, m, id))
	}
}

func TestProcessGroup_SevenSessions(t *testing.T) {
	m := testutil.NewMemStore()
	ids := m.AddGroup(testutil.GroupSpec{GroupID: 1, FirstID: 1, Start: t0, Duration: time.Hour, WithoutIBI: true})

	rep, err := NewPropagator(m).ProcessGroup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Outcomes[OutcomeAnalysed])
	for _, id := range ids {
		assert.Empty(t, ranges(t, m, id))
		assert.Equal(t, 1, m.Writes(id))
	}
}

func TestProcessGroup_FifteenSessions(t *testing.T) {
	m := testutil.NewMemStore()
	early := m.AddGroup(testutil.GroupSpec{GroupID: 1, FirstID: 1, Start: t0, Duration: time.Hour, WithoutIBI: true})
	late := m.AddGroup(testutil.GroupSpec{GroupID: 1, FirstID: 100, Start: t0.Add(time.Minute), Duration: time.Hour})

	rep, err := NewPropagator(m).ProcessGroup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 15, rep.Sessions)
	assert.Equal(t, 1, rep.Outcomes[OutcomeAnalysed])

	for _, id := range early {
		assert.Equal(t, measure.WholeSession(), ranges(t, m, id))
	}
	for _, id := range late {
		assert.Empty(t, ranges(t, m, id))
	}

	p := NewPropagator(m)
	p.Policy.SplitEnabled = false
	rep, err = p.ProcessGroup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Outcomes[OutcomeCardinality])
	for _, id := range late {
		assert.Equal(t, measure.WholeSession(), ranges(t, m, id))
	}
}

func TestProcessGroup_DuplicateType(t *testing.T) {
	m := testutil.NewMemStore()
	m.AddGroup(testutil.GroupSpec{GroupID: 1, FirstID: 1, Start: t0, Duration: time.Hour, WithoutIBI: true})
	m.Add(measure.Session{ID: 50, GroupID: 1, Type: measure.HR, Start: t0, SampleRate: 1}, testutil.Constant(3600, 60))

	rep, err := NewPropagator(m).ProcessGroup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Outcomes[OutcomeMalformed])
	assert.Equal(t, measure.WholeSession(), ranges(t, m, 50))
}

func TestProcessGroup_MissingStreamWritesNothing(t *testing.T) {
	m := testutil.NewMemStore()
	ids := m.AddGroup(testutil.GroupSpec{GroupID: 1, FirstID: 1, Start: t0, Duration: time.Hour})
	m.Add(measure.Session{ID: ids[measure.TEMP], GroupID: 1, Type: measure.TEMP, Start: t0, SampleRate: 4}, nil)

	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) { logged = append(logged, format) })
	defer monitoring.SetLogger(nil)

	rep, err := NewPropagator(m).ProcessGroup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Outcomes[OutcomeSkipped])
	assert.Zero(t, rep.InvalidSamples)
	for _, id := range ids {
		assert.Zero(t, m.Writes(id))
	}
	assert.Len(t, logged, 1)
}

func TestPlanGroup_CardinalityCause(t *testing.T) {
	p := NewPropagator(nil)
	sel := p.Policy.Select([]measure.Session{{ID: 1, Type: measure.HR, Count: 1}})
	plan, err := p.PlanGroup(9, sel, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, plan.Cause, ErrInsufficientData)
	assert.Equal(t, OutcomeCardinality, plan.Outcome)
	require.Len(t, plan.Writes, 1)
	assert.Equal(t, measure.WholeSession(), plan.Writes[0].Ranges)
}

func TestPlanGroup_AxisMismatch(t *testing.T) {
	m := testutil.NewMemStore()
	ids := m.AddGroup(testutil.GroupSpec{GroupID: 1, FirstID: 1, Start: t0, Duration: time.Hour})
	sessions, err := m.SessionsInGroup(context.Background(), 1)
	require.NoError(t, err)

	p := NewPropagator(m)
	data := map[int64][]float64{
		ids[measure.AccX]: testutil.Constant(115200, 1),
		ids[measure.AccY]: testutil.Constant(115200, 1),
		ids[measure.AccZ]: testutil.Constant(1000, 1),
	}
	_, err = p.PlanGroup(1, p.Policy.Select(sessions), data)
	assert.Error(t, err)
}

func TestReportAdd(t *testing.T) {
	var total Report
	total.Add(Report{Groups: 1, Sessions: 8, TotalSamples: 100, InvalidSamples: 25, Outcomes: map[Outcome]int{OutcomeAnalysed: 1}})
	total.Add(Report{Groups: 1, Sessions: 8, TotalSamples: 100, InvalidSamples: 75, Outcomes: map[Outcome]int{OutcomeShort: 1}})
	total.Add(Report{Failed: 1})

	assert.Equal(t, 2, total.Groups)
	assert.Equal(t, 1, total.Failed)
	assert.InDelta(t, 50.0, total.InvalidPercent(), 1e-9)
	assert.Equal(t, map[Outcome]int{OutcomeAnalysed: 1, OutcomeShort: 1}, total.Outcomes)
	assert.Contains(t, total.String(), "analysed=1 short=1")
	assert.Zero(t, Report{}.InvalidPercent())
}

func valuesOf(m map[measure.Type]int64) []int64 {
	out := make([]int64, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
