package segments

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/testutil"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestValidRuns(t *testing.T) {
	tests := []struct {
		name    string
		invalid measure.Ranges
		total   int
		want    measure.Ranges
	}{
		{"no invalid", nil, 10, measure.Ranges{{Start: 0, End: 9}}},
		{"sentinel", measure.WholeSession(), 10, measure.Ranges{}},
		{"explicit whole", measure.Ranges{{Start: 0, End: 9}}, 10, measure.Ranges{}},
		{"middle", measure.Ranges{{Start: 3, End: 5}}, 10, measure.Ranges{{Start: 0, End: 2}, {Start: 6, End: 9}}},
		{"edges", measure.Ranges{{Start: 0, End: 1}, {Start: 8, End: 9}}, 10, measure.Ranges{{Start: 2, End: 7}}},
		{"adjacent", measure.Ranges{{Start: 2, End: 3}, {Start: 4, End: 6}}, 10, measure.Ranges{{Start: 0, End: 1}, {Start: 7, End: 9}}},
		{"unsorted", measure.Ranges{{Start: 7, End: 8}, {Start: 1, End: 2}}, 10, measure.Ranges{{Start: 0, End: 0}, {Start: 3, End: 6}, {Start: 9, End: 9}}},
		{"beyond end", measure.Ranges{{Start: 5, End: 50}}, 10, measure.Ranges{{Start: 0, End: 4}}},
		{"sentinel with others", measure.Ranges{{Start: 3, End: 4}, {Start: 0, End: -1}}, 10, measure.Ranges{}},
		{"empty session", nil, 0, measure.Ranges{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ValidRuns(tt.invalid, tt.total)); diff != "" {
				t.Errorf("ValidRuns mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidRuns_Complement(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 500; iter++ {
		total := 1 + rng.Intn(200)
		var invalid measure.Ranges
		for i := rng.Intn(6); i > 0; i-- {
			s := rng.Intn(total)
			invalid = append(invalid, measure.IndexRange{Start: s, End: s + rng.Intn(20)})
		}
		invalid = invalid.Normalize().Clamp(total)

		covered := make([]int, total)
		for _, r := range invalid {
			for i := r.Start; i <= r.End; i++ {
				covered[i]++
			}
		}
		for _, r := range ValidRuns(invalid, total) {
			for i := r.Start; i <= r.End; i++ {
				covered[i]++
			}
		}
		for i, c := range covered {
			if c != 1 {
				t.Fatalf("total=%d invalid=%v: index %d covered %d times", total, invalid, i, c)
			}
		}
	}
}

func newStore(t *testing.T) (*testutil.MemStore, int64, int64) {
	t.Helper()
	m := testutil.NewMemStore()
	hr := measure.Session{ID: 1, Type: measure.HR, Start: t0, SampleRate: 1}
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i)
	}
	m.Add(hr, values)
	m.AddIBI(measure.Session{ID: 2, Type: measure.IBI, Start: t0}, []measure.IBISample{
		{Offset: 1, Interval: 1}, {Offset: 2, Interval: 1}, {Offset: 3, Interval: 1},
		{Offset: 10, Interval: 0.9}, {Offset: 11, Interval: 1},
	})
	return m, 1, 2
}

func TestValidData(t *testing.T) {
	m, hr, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, m.SetInvalidRanges(ctx, hr, measure.Ranges{{Start: 10, End: 19}, {Start: 50, End: 89}}))

	r := NewReconstructor(m)
	got, err := r.ValidData(ctx, hr)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Len(t, got[t0], 10)
	assert.Equal(t, []float64{20, 21}, got[t0.Add(20*time.Second)][:2])
	assert.Len(t, got[t0.Add(20*time.Second)], 30)
	assert.Len(t, got[t0.Add(90*time.Second)], 10)

	segs, err := r.SortedSegments(ctx, hr)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.True(t, segs[0].Start.Before(segs[1].Start))
	assert.Len(t, Concat(segs), 50)
}

func TestValidData_Sentinel(t *testing.T) {
	m, hr, _ := newStore(t)
	ctx := context.Background()
	r := NewReconstructor(m)

	require.NoError(t, m.SetInvalidRanges(ctx, hr, measure.WholeSession()))
	got, err := r.ValidData(ctx, hr)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, m.SetInvalidRanges(ctx, hr, measure.Ranges{}))
	got, err = r.ValidData(ctx, hr)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[t0], 100)
}

func TestValidTimestamps(t *testing.T) {
	m, hr, ibi := newStore(t)
	ctx := context.Background()
	r := NewReconstructor(m)
	require.NoError(t, m.SetInvalidRanges(ctx, hr, measure.Ranges{{Start: 0, End: 9}}))
	require.NoError(t, m.SetInvalidRanges(ctx, ibi, measure.Ranges{{Start: 1, End: 2}}))

	trs, err := r.ValidTimestamps(ctx, hr)
	require.NoError(t, err)
	assert.Equal(t, []measure.TimeRange{{Start: t0.Add(10 * time.Second), End: t0.Add(99 * time.Second)}}, trs)

	d, err := r.ValidDuration(ctx, hr)
	require.NoError(t, err)
	assert.Equal(t, 89*time.Second, d)

	trs, err = r.ValidTimestamps(ctx, ibi)
	require.NoError(t, err)
	assert.Equal(t, []measure.TimeRange{
		{Start: t0.Add(time.Second), End: t0.Add(time.Second)},
		{Start: t0.Add(10 * time.Second), End: t0.Add(11 * time.Second)},
	}, trs)
}

func TestValidIBI(t *testing.T) {
	m, _, ibi := newStore(t)
	ctx := context.Background()
	require.NoError(t, m.SetInvalidRanges(ctx, ibi, measure.Ranges{{Start: 2, End: 2}}))

	got, err := NewReconstructor(m).ValidIBI(ctx, ibi)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[t0.Add(time.Second)], 2)
	assert.Equal(t, []measure.IBISample{{Offset: 10, Interval: 0.9}, {Offset: 11, Interval: 1}}, got[t0.Add(10*time.Second)])
}

func TestMissingRow(t *testing.T) {
	r := NewReconstructor(testutil.NewMemStore())
	ctx := context.Background()

	data, err := r.ValidData(ctx, 404)
	require.NoError(t, err)
	assert.Empty(t, data)

	trs, err := r.ValidTimestamps(ctx, 404)
	require.NoError(t, err)
	assert.Empty(t, trs)

	d, err := r.ValidDuration(ctx, 404)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestIndexTimestampRoundTrip(t *testing.T) {
	m := testutil.NewMemStore()
	ctx := context.Background()
	bvp := measure.Session{ID: 1, Type: measure.BVP, Start: t0, SampleRate: 64}
	m.Add(bvp, make([]float64, 64*60))
	bvp.Count = 64 * 60

	r := NewReconstructor(m)
	from, to := t0.Add(10*time.Second), t0.Add(20*time.Second+500*time.Millisecond)
	rs, _, err := r.Converter.IndexRanges(bvp, []measure.TimeRange{{Start: from, End: to}})
	require.NoError(t, err)
	require.NoError(t, m.SetInvalidRanges(ctx, 1, rs))

	trs, err := r.ValidTimestamps(ctx, 1)
	require.NoError(t, err)
	require.Len(t, trs, 2)
	period := time.Second / 64
	// The valid runs end one sample before and start one sample after the
	// invalid window.
	assert.Equal(t, from.Add(-period), trs[0].End)
	assert.Equal(t, to.Add(period), trs[1].Start)
}
