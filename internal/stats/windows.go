package stats

import (
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
)

// Phase names the part of a relaxation session a window covers.
type Phase string

const (
	Before Phase = "before"
	During Phase = "during"
	After  Phase = "after"
)

// Phases lists the phases in time order.
var Phases = []Phase{Before, During, After}

// Window is the wall-clock split of one relaxation session.
type Window struct {
	Before measure.TimeRange
	During measure.TimeRange
	After  measure.TimeRange
}

// Windows splits a relaxation session into the pad before it, the session
// itself and the pad after it.
func Windows(relaxStart, relaxEnd time.Time, pad time.Duration) Window {
	return Window{
		Before: measure.TimeRange{Start: relaxStart.Add(-pad), End: relaxStart},
		During: measure.TimeRange{Start: relaxStart, End: relaxEnd},
		After:  measure.TimeRange{Start: relaxEnd, End: relaxEnd.Add(pad)},
	}
}

// Padded returns the whole span from the start of Before to the end of After.
func (w Window) Padded() measure.TimeRange {
	return measure.TimeRange{Start: w.Before.Start, End: w.After.End}
}

// Get returns the range of one phase.
func (w Window) Get(p Phase) measure.TimeRange {
	switch p {
	case Before:
		return w.Before
	case After:
		return w.After
	}
	return w.During
}

// Covers reports whether a session spans the padded window.
func (w Window) Covers(s measure.Session) bool {
	padded := w.Padded()
	return !s.Start.After(padded.Start) && !s.End().Before(padded.End)
}

// InvalidFraction returns the share of window that overlaps the invalid
// ranges of a session with total samples. An empty window yields 0.
func InvalidFraction(invalid measure.Ranges, window measure.IndexRange, total int) float64 {
	n := window.Len()
	if n <= 0 {
		return 0
	}
	return float64(invalid.Overlap(window, total)) / float64(n)
}

// Slice is one minute of a phase.
type Slice struct {
	Phase Phase
	// Minute counts from 1 within the phase.
	Minute int
	Range  measure.TimeRange
}

// Minutes cuts every phase into one minute slices. A remainder shorter than
// a minute is merged into the last slice of its phase, and a phase shorter
// than a minute is a single slice.
func (w Window) Minutes() []Slice {
	var out []Slice
	for _, ph := range Phases {
		tr := w.Get(ph)
		n := int(tr.End.Sub(tr.Start) / time.Minute)
		if n == 0 {
			if tr.End.After(tr.Start) {
				out = append(out, Slice{Phase: ph, Minute: 1, Range: tr})
			}
			continue
		}
		for i := range n {
			start := tr.Start.Add(time.Duration(i) * time.Minute)
			end := start.Add(time.Minute)
			if i == n-1 {
				end = tr.End
			}
			out = append(out, Slice{Phase: ph, Minute: i + 1, Range: measure.TimeRange{Start: start, End: end}})
		}
	}
	return out
}
