package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// HRV holds time-domain heart rate variability of a set of inter-beat
// intervals. Interval based values are in milliseconds.
type HRV struct {
	// N is the number of beats.
	N int
	// MeanNN is the mean interval.
	MeanNN float64
	// SDNN is the sample standard deviation of the intervals.
	SDNN float64
	// RMSSD is the root mean square of successive differences. Differences
	// are only taken between beats of the same run.
	RMSSD float64
	// MeanHR is 60000/MeanNN in beats per minute.
	MeanHR float64
}

// TimeDomainHRV computes HRV from runs of consecutive intervals given in
// seconds. SDNN needs two beats and RMSSD one successive difference; until
// then they stay zero.
func TimeDomainHRV(runs ...[]float64) HRV {
	var nn, diffs []float64
	for _, run := range runs {
		ms := make([]float64, len(run))
		floats.ScaleTo(ms, 1000, run)
		nn = append(nn, ms...)
		if len(ms) > 1 {
			d := make([]float64, len(ms)-1)
			floats.SubTo(d, ms[1:], ms[:len(ms)-1])
			diffs = append(diffs, d...)
		}
	}
	if len(nn) == 0 {
		return HRV{}
	}

	h := HRV{N: len(nn), MeanNN: stat.Mean(nn, nil)}
	if len(nn) > 1 {
		h.SDNN = stat.StdDev(nn, nil)
	}
	if len(diffs) > 0 {
		h.RMSSD = math.Sqrt(floats.Dot(diffs, diffs) / float64(len(diffs)))
	}
	if h.MeanNN > 0 {
		h.MeanHR = 60000 / h.MeanNN
	}
	return h
}

func (h HRV) String() string {
	if h.N == 0 {
		return "n=0"
	}
	return fmt.Sprintf("n=%d meanNN=%.1fms sdnn=%.1fms rmssd=%.1fms hr=%.1f", h.N, h.MeanNN, h.SDNN, h.RMSSD, h.MeanHR)
}
