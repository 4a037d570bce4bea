package measure

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrAlignmentToleranceExceeded is returned when the closest IBI sample to a
// target time lies further away than the permitted tolerance.
var ErrAlignmentToleranceExceeded = errors.New("ibi alignment tolerance exceeded")

// DefaultIBITolerance is the maximum distance between a target time and the
// IBI sample chosen for it.
const DefaultIBITolerance = 50 * time.Second

// ToIndexRange converts the wall-clock range [tStart,tEnd] into sample indices
// of a regular stream. Both bounds are rounded to the nearest sample, ties to
// even, and clamped into [0,total-1]. The second result is the number of
// samples the range covers, for invalid-sample accounting.
func ToIndexRange(tStart, tEnd, streamStart time.Time, rateHz float64, total int) (IndexRange, int) {
	if total <= 0 {
		return IndexRange{Start: 0, End: -1}, 0
	}
	lo := clampIndex(int(math.RoundToEven(tStart.Sub(streamStart).Seconds()*rateHz)), total)
	hi := clampIndex(int(math.RoundToEven(tEnd.Sub(streamStart).Seconds()*rateHz)), total)
	r := IndexRange{Start: lo, End: hi}
	return r, r.Len()
}

// ToOffsetIndexRange finds the first and last IBI sample whose timestamp
// streamStart+offset lies within [tStart,tEnd]. ok is false when no sample
// qualifies.
func ToOffsetIndexRange(tStart, tEnd, streamStart time.Time, offsets []float64) (r IndexRange, ok bool) {
	from := tStart.Sub(streamStart).Seconds()
	to := tEnd.Sub(streamStart).Seconds()
	first, last := -1, -1
	for i, off := range offsets {
		if off < from || off > to {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return IndexRange{}, false
	}
	return IndexRange{Start: first, End: last}, true
}

// ClosestOffsetIndex returns the index of the offset nearest to target
// seconds. A distance beyond tolerance is an error rather than an
// approximation.
func ClosestOffsetIndex(offsets []float64, target float64, tolerance time.Duration) (int, error) {
	if len(offsets) == 0 {
		return -1, fmt.Errorf("%w: no ibi samples", ErrAlignmentToleranceExceeded)
	}
	best := 0
	bestDist := math.Abs(offsets[0] - target)
	for i := 1; i < len(offsets); i++ {
		if d := math.Abs(offsets[i] - target); d < bestDist {
			best, bestDist = i, d
		}
	}
	if bestDist > tolerance.Seconds() {
		return -1, fmt.Errorf("%w: closest sample to %.1fs is %.1fs away", ErrAlignmentToleranceExceeded, target, bestDist)
	}
	return best, nil
}

// Converter turns wall-clock ranges into per-session index ranges using a
// per-type rate table.
type Converter struct {
	Rates RateTable
}

// NewConverter returns a converter over rates, falling back to DefaultRates.
func NewConverter(rates RateTable) *Converter {
	if rates == nil {
		rates = DefaultRates
	}
	return &Converter{Rates: rates}
}

// IndexRanges converts every time range into an index range of s. IBI ranges
// that contain no sample are skipped. The result is normalized, and covered
// is the total number of samples it marks.
func (c *Converter) IndexRanges(s Session, trs []TimeRange) (Ranges, int, error) {
	out := make(Ranges, 0, len(trs))
	if s.Type.Irregular() {
		for _, tr := range trs {
			if r, ok := ToOffsetIndexRange(tr.Start, tr.End, s.Start, s.Offsets); ok {
				out = append(out, r)
			}
		}
	} else {
		rate, err := c.Rates.For(s.Type)
		if err != nil {
			return nil, 0, fmt.Errorf("session %d: %w", s.ID, err)
		}
		for _, tr := range trs {
			r, _ := ToIndexRange(tr.Start, tr.End, s.Start, rate, s.Count)
			if r.Len() > 0 {
				out = append(out, r)
			}
		}
	}
	out = out.Normalize()
	return out, out.Covered(s.Count), nil
}

// IndexAt returns the sample index of s nearest to t, clamped to the session.
func (c *Converter) IndexAt(s Session, t time.Time) (int, error) {
	if s.Type.Irregular() {
		return ClosestOffsetIndex(s.Offsets, t.Sub(s.Start).Seconds(), math.MaxInt64)
	}
	rate, err := c.Rates.For(s.Type)
	if err != nil {
		return 0, err
	}
	return clampIndex(int(math.RoundToEven(t.Sub(s.Start).Seconds()*rate)), s.Count), nil
}

// TimeOf returns the timestamp of sample idx of s using the table rate for
// regular types and the offset table for IBI.
func (c *Converter) TimeOf(s Session, idx int) (time.Time, error) {
	if s.Type.Irregular() {
		return OffsetTable(s.Offsets).TimeAt(s.Start, idx), nil
	}
	rate, err := c.Rates.For(s.Type)
	if err != nil {
		return time.Time{}, err
	}
	return RegularRate(rate).TimeAt(s.Start, idx), nil
}

func clampIndex(i, total int) int {
	return max(0, min(i, total-1))
}
