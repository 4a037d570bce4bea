package measure

import (
	"encoding/json"
	"fmt"
	"sort"
)

// IndexRange is an inclusive [Start, End] pair of sample indices.
type IndexRange struct {
	Start int
	End   int
}

// Len returns the number of samples covered, 0 for an empty range.
func (r IndexRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r IndexRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// MarshalJSON encodes the range as a two element array, [start,end].
func (r IndexRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Start, r.End})
}

// UnmarshalJSON decodes a two element array.
func (r *IndexRange) UnmarshalJSON(b []byte) error {
	var pair []int
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("index range needs 2 elements, got %d", len(pair))
	}
	r.Start, r.End = pair[0], pair[1]
	return nil
}

// Ranges is an invalid-index-range list attached to one session.
type Ranges []IndexRange

// WholeSession returns the sentinel list that marks every sample invalid.
func WholeSession() Ranges {
	return Ranges{{Start: 0, End: -1}}
}

// IsWhole reports whether the list covers the entire session, either through
// the [0,-1] sentinel or an explicit [0,total-1].
func (rs Ranges) IsWhole(total int) bool {
	if len(rs) != 1 {
		return false
	}
	r := rs[0]
	if r.Start == 0 && r.End == -1 {
		return true
	}
	return total > 0 && r.Start <= 0 && r.End >= total-1
}

// Normalize returns a sorted copy with overlapping or touching ranges merged
// and empty ranges dropped. The whole-session sentinel is kept as is.
func (rs Ranges) Normalize() Ranges {
	if len(rs) == 0 {
		return Ranges{}
	}
	for _, r := range rs {
		if r.Start == 0 && r.End == -1 {
			return WholeSession()
		}
	}
	sorted := make(Ranges, 0, len(rs))
	for _, r := range rs {
		if r.End >= r.Start {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	out := make(Ranges, 0, len(sorted))
	for _, r := range sorted {
		if n := len(out); n > 0 && r.Start <= out[n-1].End+1 {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Clamp restricts every range to [0,total-1], dropping those that fall
// entirely outside. The sentinel survives unchanged.
func (rs Ranges) Clamp(total int) Ranges {
	if rs.IsWhole(total) && rs[0].End == -1 {
		return WholeSession()
	}
	out := make(Ranges, 0, len(rs))
	for _, r := range rs {
		if r.End < 0 || r.Start > total-1 {
			continue
		}
		r.Start = max(r.Start, 0)
		r.End = min(r.End, total-1)
		out = append(out, r)
	}
	return out
}

// Covered counts the samples of a session of length total that are inside
// the list.
func (rs Ranges) Covered(total int) int {
	if total <= 0 {
		return 0
	}
	if rs.IsWhole(total) {
		return total
	}
	n := 0
	for _, r := range rs.Normalize().Clamp(total) {
		n += r.Len()
	}
	return n
}

// Overlap counts the samples of window that fall inside the list.
func (rs Ranges) Overlap(window IndexRange, total int) int {
	if rs.IsWhole(total) {
		return window.Len()
	}
	n := 0
	for _, r := range rs.Normalize() {
		lo := max(r.Start, window.Start)
		hi := min(r.End, window.End)
		if hi >= lo {
			n += hi - lo + 1
		}
	}
	return n
}

// Valid checks the stored-list invariant: sorted ascending and disjoint.
func (rs Ranges) Valid() error {
	for i, r := range rs {
		if r.End < r.Start && !(r.Start == 0 && r.End == -1 && len(rs) == 1) {
			return fmt.Errorf("range %d %s is reversed", i, r)
		}
		if i > 0 && r.Start <= rs[i-1].End {
			return fmt.Errorf("range %d %s overlaps or precedes %s", i, r, rs[i-1])
		}
	}
	return nil
}

// ParseRanges decodes the stored JSON form. Empty input means no ranges.
func ParseRanges(b []byte) (Ranges, error) {
	if len(b) == 0 || string(b) == "null" {
		return Ranges{}, nil
	}
	var rs Ranges
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode index ranges: %w", err)
	}
	return rs, nil
}
