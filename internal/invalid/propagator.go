// Package invalid turns accelerometer flatlines into per-session invalid
// index ranges for every stream of a measurement group.
package invalid

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/banshee-data/relax.report/internal/flatline"
	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/monitoring"
)

// ErrInsufficientData marks a group that lacks a required stream or data.
var ErrInsufficientData = errors.New("insufficient data")

// Store is the persistence the propagator reads sessions from and writes
// invalid ranges to.
type Store interface {
	SessionsInGroup(ctx context.Context, groupID int64) ([]measure.Session, error)
	SessionData(ctx context.Context, sessionID int64) ([]float64, error)
	SetInvalidRanges(ctx context.Context, sessionID int64, rs measure.Ranges) error
}

// Write is one pending invalid-range overwrite.
type Write struct {
	SessionID int64
	Type      measure.Type
	Total     int
	Ranges    measure.Ranges
}

// Plan is the computed result for one group before anything is persisted.
type Plan struct {
	GroupID   int64
	Outcome   Outcome
	Cause     error
	Writes    []Write
	Flatlines []measure.TimeRange
}

// Propagator runs the group policy and the flatline detector and writes the
// resulting ranges.
type Propagator struct {
	Store     Store
	Policy    Policy
	Detector  *flatline.Detector
	Converter *measure.Converter
}

// NewPropagator returns a propagator with the default policy, detector and
// rate table.
func NewPropagator(store Store) *Propagator {
	return &Propagator{
		Store:     store,
		Policy:    DefaultPolicy(),
		Detector:  flatline.NewDetector(flatline.DefaultConfig()),
		Converter: measure.NewConverter(nil),
	}
}

// ProcessGroup computes and persists the invalid ranges of every session in
// a group. Each session gets exactly one overwrite, committed on its own.
// Groups that lack data are logged and reported, not returned as errors.
func (p *Propagator) ProcessGroup(ctx context.Context, groupID int64) (Report, error) {
	sessions, err := p.Store.SessionsInGroup(ctx, groupID)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load sessions of group %d: %w", groupID, err)
	}

	sel := p.Policy.Select(sessions)
	data := make(map[int64][]float64, 3)
	if sel.Outcome == "" {
		for _, s := range sel.Process {
			if !s.Type.IsAccelerometer() {
				continue
			}
			values, err := p.Store.SessionData(ctx, s.ID)
			if err != nil {
				return Report{}, fmt.Errorf("failed to load data of session %d in group %d: %w", s.ID, groupID, err)
			}
			data[s.ID] = values
		}
	}

	plan, err := p.PlanGroup(groupID, sel, data)
	if err != nil {
		return Report{}, err
	}
	if plan.Cause != nil {
		monitoring.Logf("group %d: %v", groupID, plan.Cause)
	}

	for _, w := range plan.Writes {
		if err := p.Store.SetInvalidRanges(ctx, w.SessionID, w.Ranges); err != nil {
			return Report{}, fmt.Errorf("failed to write invalid ranges of session %d in group %d: %w", w.SessionID, groupID, err)
		}
	}
	return plan.Report(sessions), nil
}

// PlanGroup computes the writes for a group from its policy selection and the
// accelerometer data keyed by session id. It has no side effects.
func (p *Propagator) PlanGroup(groupID int64, sel Selection, data map[int64][]float64) (Plan, error) {
	plan := Plan{GroupID: groupID}
	for _, s := range sel.Discard {
		plan.whole(s)
	}

	if sel.Outcome != "" {
		plan.Outcome = sel.Outcome
		plan.Cause = fmt.Errorf("%w: %s", ErrInsufficientData, sel.Reason)
		for _, s := range sel.Process {
			plan.whole(s)
		}
		plan.sortWrites()
		return plan, nil
	}

	byType := make(map[measure.Type]measure.Session, len(sel.Process))
	for _, s := range sel.Process {
		byType[s.Type] = s
	}

	cfg := p.Detector.Config()
	if acc, ok := byType[measure.AccX]; ok {
		wear := time.Duration(float64(acc.Count) / cfg.SampleRate * float64(time.Second))
		if p.Detector.ShortGroup(wear) {
			plan.Outcome = OutcomeShort
			plan.Cause = fmt.Errorf("%w: worn for %s, need %s", ErrInsufficientData, wear, cfg.MinGroupDuration)
			for _, s := range sel.Process {
				plan.whole(s)
			}
			plan.sortWrites()
			return plan, nil
		}
	}

	missing := p.Policy.Missing(sel.Process)
	for _, t := range []measure.Type{measure.AccX, measure.AccY, measure.AccZ} {
		if s, ok := byType[t]; ok && len(data[s.ID]) == 0 && !slices.Contains(missing, t) {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		plan.Outcome = OutcomeSkipped
		plan.Cause = fmt.Errorf("%w: missing or empty %v", ErrInsufficientData, missing)
		plan.sortWrites()
		return plan, nil
	}

	x, y, z := byType[measure.AccX], byType[measure.AccY], byType[measure.AccZ]
	res, err := p.Detector.Detect(x.Start, data[x.ID], data[y.ID], data[z.ID])
	if err != nil {
		return Plan{}, fmt.Errorf("group %d: %w", groupID, err)
	}
	plan.Outcome = OutcomeAnalysed
	plan.Flatlines = res.Regions

	for _, s := range sel.Process {
		rs, _, err := p.Converter.IndexRanges(s, res.Regions)
		if err != nil {
			return Plan{}, fmt.Errorf("group %d: %w", groupID, err)
		}
		plan.Writes = append(plan.Writes, Write{SessionID: s.ID, Type: s.Type, Total: s.Count, Ranges: rs})
	}
	plan.sortWrites()
	return plan, nil
}

func (p *Plan) whole(s measure.Session) {
	p.Writes = append(p.Writes, Write{SessionID: s.ID, Type: s.Type, Total: s.Count, Ranges: measure.WholeSession()})
}

func (p *Plan) sortWrites() {
	sort.Slice(p.Writes, func(i, j int) bool { return p.Writes[i].SessionID < p.Writes[j].SessionID })
}

// Report summarises the plan against the full session list of its group.
func (p Plan) Report(sessions []measure.Session) Report {
	r := Report{
		Groups:    1,
		Sessions:  len(sessions),
		Flatlines: len(p.Flatlines),
		Outcomes:  map[Outcome]int{p.Outcome: 1},
	}
	for _, s := range sessions {
		r.TotalSamples += int64(s.Count)
	}
	for _, w := range p.Writes {
		r.InvalidSamples += int64(w.Ranges.Covered(w.Total))
	}
	return r
}
