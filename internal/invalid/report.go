package invalid

import (
	"fmt"
	"sort"
	"strings"
)

// Report is the sample accounting of one or more processed groups. Workers
// return reports and the batch driver adds them up.
type Report struct {
	Groups         int
	Sessions       int
	TotalSamples   int64
	InvalidSamples int64
	Flatlines      int
	// Failed counts groups that returned an error.
	Failed   int
	Outcomes map[Outcome]int
}

// Add merges o into r.
func (r *Report) Add(o Report) {
	r.Groups += o.Groups
	r.Sessions += o.Sessions
	r.TotalSamples += o.TotalSamples
	r.InvalidSamples += o.InvalidSamples
	r.Flatlines += o.Flatlines
	r.Failed += o.Failed
	if len(o.Outcomes) > 0 && r.Outcomes == nil {
		r.Outcomes = make(map[Outcome]int, len(o.Outcomes))
	}
	for k, v := range o.Outcomes {
		r.Outcomes[k] += v
	}
}

// InvalidPercent returns the share of invalid samples, 0 when nothing was
// processed.
func (r Report) InvalidPercent() float64 {
	if r.TotalSamples == 0 {
		return 0
	}
	return float64(r.InvalidSamples) / float64(r.TotalSamples) * 100
}

func (r Report) String() string {
	keys := make([]string, 0, len(r.Outcomes))
	for k := range r.Outcomes {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, r.Outcomes[Outcome(k)]))
	}
	return fmt.Sprintf("groups=%d failed=%d sessions=%d invalid=%d/%d (%.2f%%) flatlines=%d [%s]",
		r.Groups, r.Failed, r.Sessions, r.InvalidSamples, r.TotalSamples, r.InvalidPercent(), r.Flatlines,
		strings.Join(parts, " "))
}
