package invalid

import (
	"fmt"
	"slices"
	"sort"

	"github.com/banshee-data/relax.report/internal/measure"
)

// Outcome classifies what happened to one measurement group.
type Outcome string

const (
	// OutcomeAnalysed groups went through flatline detection.
	OutcomeAnalysed Outcome = "analysed"
	// OutcomeCardinality groups had an unexpected session count and were
	// marked invalid whole.
	OutcomeCardinality Outcome = "cardinality"
	// OutcomeMalformed groups held the same stream type twice and were
	// marked invalid whole.
	OutcomeMalformed Outcome = "malformed"
	// OutcomeShort groups were worn for less than the minimum duration and
	// were marked invalid whole.
	OutcomeShort Outcome = "short"
	// OutcomeSkipped groups lacked a required stream; nothing was written
	// for their analysable sessions.
	OutcomeSkipped Outcome = "insufficient_data"
)

// Policy holds the group-level rules applied before flatline detection.
type Policy struct {
	// Expected lists the session counts of a complete group.
	Expected []int
	// SplitEnabled turns on the oversized-group rule: a group of SplitSize
	// sessions has its first SplitDiscard sessions (by start time) marked
	// invalid and the rest processed.
	SplitEnabled bool
	SplitSize    int
	SplitDiscard int
	// Required are the stream types that must be present with data.
	Required []measure.Type
}

// DefaultPolicy returns the study rules: 8 sessions with IBI or 7 without,
// and 15-session groups split 7/8.
func DefaultPolicy() Policy {
	return Policy{
		Expected:     []int{8, 7},
		SplitEnabled: true,
		SplitSize:    15,
		SplitDiscard: 7,
		Required: []measure.Type{
			measure.AccX, measure.AccY, measure.AccZ,
			measure.HR, measure.BVP, measure.EDA, measure.TEMP,
		},
	}
}

// Selection is the policy verdict for one group.
type Selection struct {
	// Process are the sessions eligible for analysis.
	Process []measure.Session
	// Discard are sessions the split rule marks invalid whole.
	Discard []measure.Session
	// Outcome is empty when Process may be analysed, otherwise the reason
	// the whole group is invalid.
	Outcome Outcome
	Reason  string
}

// Select applies the cardinality and duplicate-type rules to the sessions of
// one group. Sessions are ordered by start time, then id.
func (p Policy) Select(sessions []measure.Session) Selection {
	ordered := slices.Clone(sessions)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Start.Equal(ordered[j].Start) {
			return ordered[i].Start.Before(ordered[j].Start)
		}
		return ordered[i].ID < ordered[j].ID
	})

	sel := Selection{Process: ordered}
	n := len(ordered)
	switch {
	case slices.Contains(p.Expected, n):
	case p.SplitEnabled && n == p.SplitSize && p.SplitDiscard < n:
		sel.Discard = ordered[:p.SplitDiscard]
		sel.Process = ordered[p.SplitDiscard:]
	default:
		sel.Outcome = OutcomeCardinality
		sel.Reason = fmt.Sprintf("%d sessions, expected one of %v", n, p.Expected)
		return sel
	}

	seen := make(map[measure.Type]int64, len(sel.Process))
	for _, s := range sel.Process {
		if prev, dup := seen[s.Type]; dup {
			sel.Outcome = OutcomeMalformed
			sel.Reason = fmt.Sprintf("sessions %d and %d are both %s", prev, s.ID, s.Type)
			return sel
		}
		seen[s.Type] = s.ID
	}
	return sel
}

// Missing returns the required types that are absent or empty in sessions.
func (p Policy) Missing(sessions []measure.Session) []measure.Type {
	have := make(map[measure.Type]bool, len(sessions))
	for _, s := range sessions {
		if s.Count > 0 {
			have[s.Type] = true
		}
	}
	var out []measure.Type
	for _, t := range p.Required {
		if !have[t] {
			out = append(out, t)
		}
	}
	return out
}
