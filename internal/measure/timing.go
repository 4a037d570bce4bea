package measure

import (
	"fmt"
	"time"
)

// Timing maps between sample indices and wall-clock time for one session.
type Timing interface {
	// TimeAt returns the timestamp of sample idx for a session starting at start.
	TimeAt(start time.Time, idx int) time.Time
	// Offset returns the elapsed seconds of sample idx.
	Offset(idx int) float64
}

// RegularRate is the timing of a fixed-rate stream, in Hz.
type RegularRate float64

func (r RegularRate) Offset(idx int) float64 {
	if r <= 0 {
		return 0
	}
	return float64(idx) / float64(r)
}

func (r RegularRate) TimeAt(start time.Time, idx int) time.Time {
	return start.Add(seconds(r.Offset(idx)))
}

// OffsetTable is the timing of an irregular stream: one elapsed-seconds
// offset per sample.
type OffsetTable []float64

func (o OffsetTable) Offset(idx int) float64 {
	if len(o) == 0 {
		return 0
	}
	idx = max(0, min(idx, len(o)-1))
	return o[idx]
}

func (o OffsetTable) TimeAt(start time.Time, idx int) time.Time {
	return start.Add(seconds(o.Offset(idx)))
}

// RateTable is the per-type strategy table: the nominal sampling rate of each
// regular type. Types missing from the table (IBI) are irregular.
type RateTable map[Type]float64

// DefaultRates are the E4 wristband's fixed sampling rates.
var DefaultRates = RateTable{
	AccX: 32,
	AccY: 32,
	AccZ: 32,
	BVP:  64,
	EDA:  4,
	TEMP: 4,
	HR:   1,
}

// For returns the nominal rate of t, or an error when t is irregular or unknown.
func (rt RateTable) For(t Type) (float64, error) {
	rate, ok := rt[t]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("no regular sample rate for %s", t)
	}
	return rate, nil
}

// Clone returns a copy that can be modified without touching rt.
func (rt RateTable) Clone() RateTable {
	out := make(RateTable, len(rt))
	for k, v := range rt {
		out[k] = v
	}
	return out
}
