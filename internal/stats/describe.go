// Package stats computes the relaxation-session and week summaries of the
// study and the t tests that compare them.
package stats

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/relax.report/internal/flatline"
)

// Summary holds the descriptive statistics of one series. Std and Var are
// population values and the quartiles are linearly interpolated percentiles.
type Summary struct {
	N      int
	Mean   float64
	Std    float64
	Var    float64
	Median float64
	Min    float64
	Max    float64
	Range  float64
	Q1     float64
	Q3     float64
	IQR    float64
}

// Describe summarises values. An empty series yields the zero Summary.
func Describe(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	mean, variance := stat.PopMeanVariance(values, nil)
	s := Summary{
		N:      len(values),
		Mean:   mean,
		Var:    variance,
		Std:    math.Sqrt(variance),
		Median: Percentile(sorted, 50),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Q1:     Percentile(sorted, 25),
		Q3:     Percentile(sorted, 75),
	}
	s.Range = s.Max - s.Min
	s.IQR = s.Q3 - s.Q1
	return s
}

// Percentile returns the p-th percentile (0..100) of an ascending series,
// interpolating linearly between the two closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	if lo < 0 {
		return sorted[0]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

// VectorMagnitude combines the three accelerometer axes sample by sample.
func VectorMagnitude(x, y, z []float64) ([]float64, error) {
	mag, err := flatline.Magnitude(x, y, z)
	if err != nil {
		return nil, fmt.Errorf("vector magnitude: %w", err)
	}
	return mag, nil
}

func (s Summary) String() string {
	if s.N == 0 {
		return "n=0"
	}
	return fmt.Sprintf("n=%d mean=%.3f sd=%.3f median=%.3f [%.3f..%.3f]", s.N, s.Mean, s.Std, s.Median, s.Min, s.Max)
}
