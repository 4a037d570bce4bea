package stats

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/segments"
	"github.com/banshee-data/relax.report/internal/units"
)

// ErrInsufficientCoverage marks a patient without enough valid HR data in
// one of the weeks.
var ErrInsufficientCoverage = errors.New("insufficient week coverage")

// WeekTypes lists the streams summarised per week.
var WeekTypes = []measure.Type{measure.BVP, measure.EDA, measure.HR, measure.IBI, measure.TEMP}

// WeekStats summarises all valid data of one patient and week.
type WeekStats struct {
	PatientID string
	Week      measure.Week
	// Coverage is the valid wear time of the HR stream.
	Coverage time.Duration
	Streams  map[measure.Type]Summary
	// EDAValidPercent is the share of analysed EDA samples in segments that
	// pass EDAFeatures.Valid. Short and all-zero segments are not analysed.
	EDAValidPercent float64
	// EDA holds the decomposed electrodermal activity of the accepted
	// segments.
	EDA EDAFeatures
}

// DayCoverage is the valid wear time that falls on one calendar day.
type DayCoverage struct {
	Day      time.Time
	Duration time.Duration
}

// WeekAnalyzer computes week summaries from valid segments.
type WeekAnalyzer struct {
	Store    Store
	Segments *segments.Reconstructor
	// MinCoverage is the HR wear time both weeks must exceed.
	MinCoverage time.Duration
	// MinEDASamples is the shortest EDA segment that is summarised.
	MinEDASamples int
	Location      *time.Location
}

// NewWeekAnalyzer returns an analyzer with the study defaults.
func NewWeekAnalyzer(store Store) *WeekAnalyzer {
	loc, err := time.LoadLocation(units.StudyTimezone)
	if err != nil {
		loc = time.UTC
	}
	return &WeekAnalyzer{
		Store:         store,
		Segments:      segments.NewReconstructor(store),
		MinCoverage:   80 * time.Hour,
		MinEDASamples: 100,
		Location:      loc,
	}
}

// Analyze returns the summaries of both weeks of a patient. When either
// week falls short of MinCoverage the coverages are returned together with
// ErrInsufficientCoverage and no summaries are computed.
func (a *WeekAnalyzer) Analyze(ctx context.Context, patientID string) ([]WeekStats, error) {
	out := make([]WeekStats, 0, len(Weeks))
	short := false
	byWeek := make(map[measure.Week][]measure.Session, len(Weeks))
	for _, week := range Weeks {
		sessions, err := a.Store.SessionsForPatientWeek(ctx, patientID, week)
		if err != nil {
			return nil, err
		}
		byWeek[week] = sessions
		cov, err := a.coverage(ctx, sessions)
		if err != nil {
			return nil, err
		}
		if cov <= a.MinCoverage {
			short = true
		}
		out = append(out, WeekStats{PatientID: patientID, Week: week, Coverage: cov})
	}
	if short {
		return out, fmt.Errorf("patient %s: %w", patientID, ErrInsufficientCoverage)
	}

	for i := range out {
		if err := a.summarise(ctx, &out[i], byWeek[out[i].Week]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (a *WeekAnalyzer) coverage(ctx context.Context, sessions []measure.Session) (time.Duration, error) {
	var total time.Duration
	for _, s := range sessions {
		if s.Type != measure.HR {
			continue
		}
		d, err := a.Segments.ValidDuration(ctx, s.ID)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

func (a *WeekAnalyzer) summarise(ctx context.Context, ws *WeekStats, sessions []measure.Session) error {
	values := make(map[measure.Type][]float64, len(WeekTypes))
	var edaValid, edaInvalid int
	edaRate := measure.DefaultRates[measure.EDA]
	for _, s := range sessions {
		segs, err := a.Segments.SortedSegments(ctx, s.ID)
		if err != nil {
			return err
		}
		for _, seg := range segs {
			switch s.Type {
			case measure.IBI:
				for _, b := range seg.Beats {
					values[s.Type] = append(values[s.Type], b.Interval)
				}
			case measure.EDA:
				if len(seg.Values) < a.MinEDASamples || allZero(seg.Values) {
					continue
				}
				if s.SampleRate > 0 {
					edaRate = s.SampleRate
				}
				if !AnalyzeEDA(seg.Values, edaRate).Valid() {
					edaInvalid += len(seg.Values)
					continue
				}
				edaValid += len(seg.Values)
				values[s.Type] = append(values[s.Type], seg.Values...)
			case measure.BVP, measure.HR, measure.TEMP:
				values[s.Type] = append(values[s.Type], seg.Values...)
			}
		}
	}

	ws.Streams = make(map[measure.Type]Summary, len(values))
	for typ, v := range values {
		ws.Streams[typ] = Describe(v)
	}
	if v, ok := values[measure.EDA]; ok {
		ws.EDA = AnalyzeEDA(v, edaRate)
	}
	ws.EDAValidPercent = 100
	if edaInvalid > 0 {
		ws.EDAValidPercent = float64(edaValid) / float64(edaValid+edaInvalid) * 100
	}
	return nil
}

// Coverage splits the valid HR wear time of one week over calendar days in
// the analyzer's location. Days are returned in order.
func (a *WeekAnalyzer) Coverage(ctx context.Context, patientID string, week measure.Week) ([]DayCoverage, error) {
	sessions, err := a.Store.SessionsForPatientWeek(ctx, patientID, week)
	if err != nil {
		return nil, err
	}
	loc := a.Location
	if loc == nil {
		loc = time.UTC
	}
	var out []DayCoverage
	index := make(map[time.Time]int)
	add := func(day time.Time, d time.Duration) {
		i, ok := index[day]
		if !ok {
			i = len(out)
			index[day] = i
			out = append(out, DayCoverage{Day: day})
		}
		out[i].Duration += d
	}

	for _, s := range sessions {
		if s.Type != measure.HR {
			continue
		}
		trs, err := a.Segments.ValidTimestamps(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		for _, tr := range trs {
			start, end := tr.Start.In(loc), tr.End.In(loc)
			for start.Before(end) {
				day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
				next := day.AddDate(0, 0, 1)
				cut := end
				if next.Before(end) {
					cut = next
				}
				add(day, cut.Sub(start))
				start = cut
			}
		}
	}
	slices.SortFunc(out, func(x, y DayCoverage) int { return x.Day.Compare(y.Day) })
	return out, nil
}

func allZero(values []float64) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}
