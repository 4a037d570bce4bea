package stats

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/monitoring"
	"github.com/banshee-data/relax.report/internal/segments"
	"github.com/banshee-data/relax.report/internal/units"
)

// Acc is the pseudo type under which accelerometer vector magnitudes are
// reported.
const Acc measure.Type = "ACC"

var (
	// ErrNotCovered marks a relaxation session no recording spans.
	ErrNotCovered = errors.New("no session covers the padded window")
	// ErrTooInvalid marks a relaxation session whose padded window holds too
	// many invalid samples.
	ErrTooInvalid = errors.New("too much invalid data around session")
)

// Store is the read side needed by the analyzers.
type Store interface {
	segments.Store
	Patient(ctx context.Context, id string) (measure.Patient, error)
	RelaxSessions(ctx context.Context, patientID string) ([]measure.RelaxSession, error)
	SessionsForPatientWeek(ctx context.Context, patientID string, week measure.Week) ([]measure.Session, error)
}

// Weeks lists the study weeks analysed.
var Weeks = []measure.Week{1, 2}

// Phased holds one value per phase.
type Phased[T any] struct {
	Before T
	During T
	After  T
}

// Get returns the value of one phase.
func (p Phased[T]) Get(ph Phase) T {
	switch ph {
	case Before:
		return p.Before
	case After:
		return p.After
	}
	return p.During
}

func (p *Phased[T]) set(ph Phase, v T) {
	switch ph {
	case Before:
		p.Before = v
	case After:
		p.After = v
	default:
		p.During = v
	}
}

// PhaseStats holds one summary per phase.
type PhaseStats = Phased[Summary]

// MinuteStats summarises the streams of one minute slice.
type MinuteStats struct {
	Slice
	Streams map[measure.Type]Summary
	HRV     HRV
}

// SessionStats is the analysis of one relaxation session.
type SessionStats struct {
	Relax   measure.RelaxSession
	Patient measure.Patient
	Moment  units.Moment
	Streams map[measure.Type]PhaseStats
	// HRV is computed from the valid beats of the IBI stream; N is zero
	// when the stream was dropped.
	HRV Phased[HRV]
	// EDA holds the decomposed electrodermal activity per phase.
	EDA     Phased[EDAFeatures]
	Minutes []MinuteStats
}

// Types returns the analysed stream types in sorted order.
func (s SessionStats) Types() []measure.Type {
	out := make([]measure.Type, 0, len(s.Streams))
	for t := range s.Streams {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SessionAnalyzer computes before, during and after summaries for
// relaxation sessions.
type SessionAnalyzer struct {
	Store     Store
	Converter *measure.Converter
	// Pad is the length of the before and after windows.
	Pad time.Duration
	// MaxInvalidFraction is the largest share of invalid samples allowed in
	// the padded window of any regular stream.
	MaxInvalidFraction float64
	IBITolerance       time.Duration
	Location           *time.Location
}

// NewSessionAnalyzer returns an analyzer with the study defaults.
func NewSessionAnalyzer(store Store) *SessionAnalyzer {
	loc, err := time.LoadLocation(units.StudyTimezone)
	if err != nil {
		loc = time.UTC
	}
	return &SessionAnalyzer{
		Store:              store,
		Converter:          measure.NewConverter(nil),
		Pad:                5 * time.Minute,
		MaxInvalidFraction: 0.2,
		IBITolerance:       measure.DefaultIBITolerance,
		Location:           loc,
	}
}

// Skips counts skipped relaxation sessions by reason.
type Skips map[string]int

// AnalyzePatient analyses every relaxation session of a patient. Sessions
// that are not covered or too invalid are counted in Skips.
func (a *SessionAnalyzer) AnalyzePatient(ctx context.Context, patientID string) ([]SessionStats, Skips, error) {
	relaxes, err := a.Store.RelaxSessions(ctx, patientID)
	if err != nil {
		return nil, nil, err
	}
	skips := Skips{}
	var out []SessionStats
	for _, r := range relaxes {
		st, err := a.Analyze(ctx, r)
		switch {
		case errors.Is(err, ErrNotCovered):
			skips["not covered"]++
			continue
		case errors.Is(err, ErrTooInvalid):
			monitoring.Logf("patient %s relax %d: %v", patientID, r.ID, err)
			skips["too invalid"]++
			continue
		case err != nil:
			return nil, nil, fmt.Errorf("patient %s relax %d: %w", patientID, r.ID, err)
		}
		out = append(out, st)
	}
	return out, skips, nil
}

// Analyze summarises every covering stream of one relaxation session.
func (a *SessionAnalyzer) Analyze(ctx context.Context, r measure.RelaxSession) (SessionStats, error) {
	w := Windows(r.Start, r.End, a.Pad)
	covering, err := a.covering(ctx, r.PatientID, w)
	if err != nil {
		return SessionStats{}, err
	}
	if len(covering) == 0 {
		return SessionStats{}, ErrNotCovered
	}

	p, err := a.Store.Patient(ctx, r.PatientID)
	if err != nil && !errors.Is(err, measure.ErrNotFound) {
		return SessionStats{}, err
	}
	out := SessionStats{
		Relax:   r,
		Patient: p,
		Moment:  units.MomentOf(r.Start, a.Location),
		Streams: make(map[measure.Type]PhaseStats, len(covering)),
	}

	streams := make(map[measure.Type]series, len(covering))
	acc := make(map[measure.Type][]float64, 3)
	var accSession measure.Session
	var accInvalid measure.Ranges
	for _, typ := range measure.AllTypes {
		s, ok := covering[typ]
		if !ok {
			continue
		}
		invalid, err := a.Store.InvalidRanges(ctx, s.ID)
		if err != nil {
			return SessionStats{}, fmt.Errorf("failed to load invalid ranges of session %d: %w", s.ID, err)
		}

		if s.Type.Irregular() {
			sr, err := a.ibiSeries(ctx, s, invalid)
			if err != nil {
				return SessionStats{}, err
			}
			streams[typ] = sr
			continue
		}

		data, err := a.Store.SessionData(ctx, s.ID)
		if err != nil {
			return SessionStats{}, fmt.Errorf("failed to load data of session %d: %w", s.ID, err)
		}
		rate, err := a.Converter.Rates.For(typ)
		if err != nil {
			return SessionStats{}, err
		}
		padded, _ := measure.ToIndexRange(w.Padded().Start, w.Padded().End, s.Start, rate, len(data))
		if f := InvalidFraction(invalid, padded, len(data)); f > a.MaxInvalidFraction {
			return SessionStats{}, fmt.Errorf("%w: %s session %d is %.0f%% invalid", ErrTooInvalid, typ, s.ID, f*100)
		}
		if typ.IsAccelerometer() {
			acc[typ] = data
			accSession, accInvalid = s, invalid
			continue
		}
		streams[typ] = regularSeries(s.Start, rate, data, invalid)
	}

	if len(acc) == 3 {
		mag, err := VectorMagnitude(acc[measure.AccX], acc[measure.AccY], acc[measure.AccZ])
		if err != nil {
			monitoring.Logf("relax %d: dropping acc: %v", r.ID, err)
		} else {
			rate, _ := a.Converter.Rates.For(measure.AccX)
			streams[Acc] = regularSeries(accSession.Start, rate, mag, accInvalid)
		}
	}

	for typ, sr := range streams {
		runs, err := sr.phaseRuns(w)
		if errors.Is(err, measure.ErrAlignmentToleranceExceeded) {
			monitoring.Logf("relax %d: dropping %s: %v", r.ID, typ, err)
			delete(streams, typ)
			continue
		}
		if err != nil {
			return SessionStats{}, err
		}
		var ps PhaseStats
		for _, ph := range Phases {
			values := concat(runs.Get(ph))
			ps.set(ph, Describe(values))
			switch typ {
			case measure.IBI:
				out.HRV.set(ph, TimeDomainHRV(runs.Get(ph)...))
			case measure.EDA:
				out.EDA.set(ph, AnalyzeEDA(values, sr.rate))
			}
		}
		out.Streams[typ] = ps
	}
	out.Minutes = minuteStats(w, streams)
	return out, nil
}

func minuteStats(w Window, streams map[measure.Type]series) []MinuteStats {
	cuts := w.Minutes()
	out := make([]MinuteStats, 0, len(cuts))
	for _, sl := range cuts {
		ms := MinuteStats{Slice: sl, Streams: make(map[measure.Type]Summary, len(streams))}
		for typ, sr := range streams {
			runs, err := sr.runs(sl.Range)
			if err != nil {
				// An IBI minute without a beat close enough is left out.
				continue
			}
			ms.Streams[typ] = Describe(concat(runs))
			if typ == measure.IBI {
				ms.HRV = TimeDomainHRV(runs...)
			}
		}
		out = append(out, ms)
	}
	return out
}

// covering returns, per type, the first session of the patient that spans
// the padded window.
func (a *SessionAnalyzer) covering(ctx context.Context, patientID string, w Window) (map[measure.Type]measure.Session, error) {
	out := make(map[measure.Type]measure.Session)
	for _, week := range Weeks {
		sessions, err := a.Store.SessionsForPatientWeek(ctx, patientID, week)
		if err != nil {
			return nil, err
		}
		for _, s := range sessions {
			if _, ok := out[s.Type]; ok || !w.Covers(s) {
				continue
			}
			out[s.Type] = s
		}
	}
	return out, nil
}

// series is one stream of a relaxation session that can be cut by time.
type series struct {
	data    []float64
	invalid measure.Ranges
	// rate is zero for IBI.
	rate  float64
	index func(measure.TimeRange) (measure.IndexRange, error)
}

func regularSeries(start time.Time, rate float64, data []float64, invalid measure.Ranges) series {
	return series{
		data:    data,
		invalid: invalid,
		rate:    rate,
		index: func(tr measure.TimeRange) (measure.IndexRange, error) {
			r, _ := measure.ToIndexRange(tr.Start, tr.End, start, rate, len(data))
			return r, nil
		},
	}
}

// ibiSeries cuts the beats of s at the samples closest to the requested
// bounds, within IBITolerance.
func (a *SessionAnalyzer) ibiSeries(ctx context.Context, s measure.Session, invalid measure.Ranges) (series, error) {
	beats, err := a.Store.IBIData(ctx, s.ID)
	if err != nil {
		return series{}, fmt.Errorf("failed to load ibi of session %d: %w", s.ID, err)
	}
	intervals := make([]float64, len(beats))
	for i, b := range beats {
		intervals[i] = b.Interval
	}
	closest := func(t time.Time) (int, error) {
		return measure.ClosestOffsetIndex(s.Offsets, t.Sub(s.Start).Seconds(), a.IBITolerance)
	}
	return series{
		data:    intervals,
		invalid: invalid,
		index: func(tr measure.TimeRange) (measure.IndexRange, error) {
			lo, err := closest(tr.Start)
			if err != nil {
				return measure.IndexRange{}, err
			}
			hi, err := closest(tr.End)
			if err != nil {
				return measure.IndexRange{}, err
			}
			return measure.IndexRange{Start: lo, End: hi}, nil
		},
	}, nil
}

func (sr series) runs(tr measure.TimeRange) ([][]float64, error) {
	r, err := sr.index(tr)
	if err != nil {
		return nil, err
	}
	return validRuns(sr.data, r, sr.invalid), nil
}

func (sr series) phaseRuns(w Window) (Phased[[][]float64], error) {
	var out Phased[[][]float64]
	for _, ph := range Phases {
		runs, err := sr.runs(w.Get(ph))
		if err != nil {
			return out, err
		}
		out.set(ph, runs)
	}
	return out, nil
}

func concat(runs [][]float64) []float64 {
	return slices.Concat(runs...)
}

// validValues returns the samples of data in window that lie outside the
// invalid ranges.
func validValues(data []float64, window measure.IndexRange, invalid measure.Ranges) []float64 {
	return concat(validRuns(data, window, invalid))
}

// validRuns returns the samples of data in window that lie outside the
// invalid ranges, split where an invalid range interrupts them.
func validRuns(data []float64, window measure.IndexRange, invalid measure.Ranges) [][]float64 {
	total := len(data)
	if total == 0 || window.Len() == 0 || invalid.IsWhole(total) {
		return nil
	}
	lo := max(window.Start, 0)
	hi := min(window.End, total-1)
	bad := invalid.Normalize().Clamp(total)
	var out [][]float64
	start := -1
	j := 0
	for i := lo; i <= hi+1; i++ {
		for j < len(bad) && bad[j].End < i {
			j++
		}
		if i <= hi && (j >= len(bad) || bad[j].Start > i) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, data[start:i])
			start = -1
		}
	}
	return out
}
