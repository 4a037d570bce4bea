package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/monitoring"
)

// ErrTooFewSamples is returned when a test has fewer than two observations
// per side or no variance.
var ErrTooFewSamples = errors.New("too few samples for t test")

// TTest is the result of a two-sided Student's t test.
type TTest struct {
	T  float64
	DF float64
	P  float64
	N  int
}

func twoSided(t, df float64) float64 {
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.Survival(math.Abs(t))
}

// PairedTTest tests whether the mean of a-b differs from zero.
func PairedTTest(a, b []float64) (TTest, error) {
	if len(a) != len(b) {
		return TTest{}, fmt.Errorf("paired t test: %d and %d observations", len(a), len(b))
	}
	if len(a) < 2 {
		return TTest{}, ErrTooFewSamples
	}
	d := make([]float64, len(a))
	for i := range a {
		d[i] = a[i] - b[i]
	}
	mean, sd := stat.MeanStdDev(d, nil)
	if sd == 0 {
		return TTest{}, ErrTooFewSamples
	}
	n := float64(len(d))
	t := mean / (sd / math.Sqrt(n))
	df := n - 1
	return TTest{T: t, DF: df, P: twoSided(t, df), N: len(d)}, nil
}

// WelchTTest tests whether two independent samples share a mean without
// assuming equal variances.
func WelchTTest(a, b []float64) (TTest, error) {
	if len(a) < 2 || len(b) < 2 {
		return TTest{}, ErrTooFewSamples
	}
	ma, va := stat.MeanVariance(a, nil)
	mb, vb := stat.MeanVariance(b, nil)
	na, nb := float64(len(a)), float64(len(b))
	sa, sb := va/na, vb/nb
	if sa+sb == 0 {
		return TTest{}, ErrTooFewSamples
	}
	t := (ma - mb) / math.Sqrt(sa+sb)
	df := (sa + sb) * (sa + sb) / (sa*sa/(na-1) + sb*sb/(nb-1))
	return TTest{T: t, DF: df, P: twoSided(t, df), N: len(a) + len(b)}, nil
}

// Bonferroni multiplies every p-value by the number of tests, capped at 1.
func Bonferroni(ps []float64) []float64 {
	out := make([]float64, len(ps))
	m := float64(len(ps))
	for i, p := range ps {
		out[i] = math.Min(p*m, 1)
	}
	return out
}

// Metric picks one value out of a Summary.
type Metric string

const (
	MetricMean   Metric = "mean"
	MetricMedian Metric = "median"
	MetricStd    Metric = "std"
	MetricIQR    Metric = "iqr"
)

// Of returns the metric value of s.
func (m Metric) Of(s Summary) (float64, error) {
	switch m {
	case MetricMean:
		return s.Mean, nil
	case MetricMedian:
		return s.Median, nil
	case MetricStd:
		return s.Std, nil
	case MetricIQR:
		return s.IQR, nil
	}
	return 0, fmt.Errorf("unknown metric %q", string(m))
}

// Comparison is one test of CompareArms. Arm is set for within-arm paired
// tests and empty for between-arm tests, which compare phase A of VR with
// the same phase of Exercise.
type Comparison struct {
	Arm      measure.Arm
	A, B     Phase
	Test     TTest
	Adjusted float64
}

// Label names the comparison, e.g. "VR before-during".
func (c Comparison) Label() string {
	if c.Arm == "" {
		return fmt.Sprintf("VR-Exercise %s", c.A)
	}
	return fmt.Sprintf("%s %s-%s", c.Arm, c.A, c.B)
}

var pairs = [][2]Phase{{Before, During}, {Before, After}, {During, After}}

// CompareArms runs within-arm paired tests between phases and between-arm
// Welch tests per phase on one metric of one stream. Tests that cannot run
// are left out; adjusted p-values use Bonferroni over the tests that ran.
func CompareArms(rows []SessionStats, typ measure.Type, metric Metric) ([]Comparison, error) {
	if _, err := metric.Of(Summary{}); err != nil {
		return nil, err
	}
	values := map[measure.Arm]map[Phase][]float64{
		measure.ArmVR:       {},
		measure.ArmExercise: {},
	}
	for _, r := range rows {
		ps, ok := r.Streams[typ]
		if !ok {
			continue
		}
		byPhase, ok := values[r.Patient.Arm]
		if !ok {
			continue
		}
		if ps.Before.N == 0 || ps.During.N == 0 || ps.After.N == 0 {
			continue
		}
		for _, ph := range Phases {
			v, _ := metric.Of(ps.Get(ph))
			byPhase[ph] = append(byPhase[ph], v)
		}
	}

	var out []Comparison
	for _, arm := range []measure.Arm{measure.ArmVR, measure.ArmExercise} {
		for _, pr := range pairs {
			tt, err := PairedTTest(values[arm][pr[0]], values[arm][pr[1]])
			if err != nil {
				monitoring.Logf("%s %s %s-%s: %v", typ, arm, pr[0], pr[1], err)
				continue
			}
			out = append(out, Comparison{Arm: arm, A: pr[0], B: pr[1], Test: tt})
		}
	}
	for _, ph := range Phases {
		tt, err := WelchTTest(values[measure.ArmVR][ph], values[measure.ArmExercise][ph])
		if err != nil {
			monitoring.Logf("%s VR-Exercise %s: %v", typ, ph, err)
			continue
		}
		out = append(out, Comparison{A: ph, B: ph, Test: tt})
	}

	ps := make([]float64, len(out))
	for i, c := range out {
		ps[i] = c.Test.P
	}
	for i, p := range Bonferroni(ps) {
		out[i].Adjusted = p
	}
	return out, nil
}
