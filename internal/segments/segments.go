// Package segments reconstructs the valid sample runs of a session from its
// stored invalid index ranges.
package segments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
)

// Store is the read side used to rebuild segments.
type Store interface {
	Session(ctx context.Context, id int64) (measure.Session, error)
	SessionData(ctx context.Context, id int64) ([]float64, error)
	IBIData(ctx context.Context, id int64) ([]measure.IBISample, error)
	InvalidRanges(ctx context.Context, id int64) (measure.Ranges, error)
}

// ValidRuns returns the complement of invalid within [0,total-1]. An empty
// list yields the whole session and the whole-session sentinel yields none.
func ValidRuns(invalid measure.Ranges, total int) measure.Ranges {
	runs := measure.Ranges{}
	invalid = invalid.Normalize()
	if total <= 0 || invalid.IsWhole(total) {
		return runs
	}
	next := 0
	for _, r := range invalid.Clamp(total) {
		if r.Start > next {
			runs = append(runs, measure.IndexRange{Start: next, End: r.Start - 1})
		}
		next = r.End + 1
	}
	if next <= total-1 {
		runs = append(runs, measure.IndexRange{Start: next, End: total - 1})
	}
	return runs
}

// Segment is one valid run of a session.
type Segment struct {
	Range measure.IndexRange
	Start time.Time
	End   time.Time
	// Values holds the samples of regular streams, Beats those of IBI.
	Values []float64
	Beats  []measure.IBISample
}

// Duration returns End-Start.
func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Reconstructor reads sessions from a Store and rebuilds their valid runs.
type Reconstructor struct {
	Store     Store
	Converter *measure.Converter
}

// NewReconstructor returns a reconstructor using the default rate table.
func NewReconstructor(store Store) *Reconstructor {
	return &Reconstructor{Store: store, Converter: measure.NewConverter(nil)}
}

// runs loads session metadata and its valid runs. A missing session yields
// ok=false and no error.
func (r *Reconstructor) runs(ctx context.Context, id int64) (s measure.Session, runs measure.Ranges, ok bool, err error) {
	s, err = r.Store.Session(ctx, id)
	if errors.Is(err, measure.ErrNotFound) {
		return s, nil, false, nil
	}
	if err != nil {
		return s, nil, false, fmt.Errorf("failed to load session %d: %w", id, err)
	}
	invalid, err := r.Store.InvalidRanges(ctx, id)
	if errors.Is(err, measure.ErrNotFound) {
		return s, nil, false, nil
	}
	if err != nil {
		return s, nil, false, fmt.Errorf("failed to load invalid ranges of session %d: %w", id, err)
	}
	return s, ValidRuns(invalid, s.Count), true, nil
}

func (r *Reconstructor) bounds(s measure.Session, run measure.IndexRange) (time.Time, time.Time, error) {
	start, err := r.Converter.TimeOf(s, run.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := r.Converter.TimeOf(s, run.End)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// ValidTimestamps returns the wall-clock bounds of each valid run without
// loading sample data.
func (r *Reconstructor) ValidTimestamps(ctx context.Context, id int64) ([]measure.TimeRange, error) {
	s, runs, ok, err := r.runs(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]measure.TimeRange, 0, len(runs))
	for _, run := range runs {
		start, end, err := r.bounds(s, run)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", id, err)
		}
		out = append(out, measure.TimeRange{Start: start, End: end})
	}
	return out, nil
}

// ValidDuration sums the wall-clock span of every valid run.
func (r *Reconstructor) ValidDuration(ctx context.Context, id int64) (time.Duration, error) {
	trs, err := r.ValidTimestamps(ctx, id)
	if err != nil {
		return 0, err
	}
	var total time.Duration
	for _, tr := range trs {
		total += tr.Duration()
	}
	return total, nil
}

// SortedSegments returns every valid run of a session with its samples,
// ordered by start time.
func (r *Reconstructor) SortedSegments(ctx context.Context, id int64) ([]Segment, error) {
	s, runs, ok, err := r.runs(ctx, id)
	if err != nil || !ok || len(runs) == 0 {
		return nil, err
	}

	var values []float64
	var beats []measure.IBISample
	if s.Type.Irregular() {
		beats, err = r.Store.IBIData(ctx, id)
	} else {
		values, err = r.Store.SessionData(ctx, id)
	}
	if errors.Is(err, measure.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load data of session %d: %w", id, err)
	}

	out := make([]Segment, 0, len(runs))
	for _, run := range runs {
		start, end, err := r.bounds(s, run)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", id, err)
		}
		seg := Segment{Range: run, Start: start, End: end}
		if s.Type.Irregular() {
			seg.Beats = slice(beats, run)
		} else {
			seg.Values = slice(values, run)
		}
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// ValidData maps the start time of each valid run to its samples.
func (r *Reconstructor) ValidData(ctx context.Context, id int64) (map[time.Time][]float64, error) {
	segs, err := r.SortedSegments(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(map[time.Time][]float64, len(segs))
	for _, seg := range segs {
		out[seg.Start] = seg.Values
	}
	return out, nil
}

// ValidIBI maps the start time of each valid run of an IBI session to its
// beats.
func (r *Reconstructor) ValidIBI(ctx context.Context, id int64) (map[time.Time][]measure.IBISample, error) {
	segs, err := r.SortedSegments(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(map[time.Time][]measure.IBISample, len(segs))
	for _, seg := range segs {
		out[seg.Start] = seg.Beats
	}
	return out, nil
}

// Concat joins the values of all segments in order.
func Concat(segs []Segment) []float64 {
	n := 0
	for _, s := range segs {
		n += len(s.Values)
	}
	out := make([]float64, 0, n)
	for _, s := range segs {
		out = append(out, s.Values...)
	}
	return out
}

func slice[T any](src []T, run measure.IndexRange) []T {
	lo := min(run.Start, len(src))
	hi := min(run.End+1, len(src))
	if hi <= lo {
		return nil
	}
	return src[lo:hi]
}
