// Package flatline finds periods where the E4 accelerometer was not worn. A
// flatline is a long run of near-constant acceleration magnitude, detected
// with a centred rolling standard deviation.
package flatline

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/relax.report/internal/measure"
)

// ErrInsufficientData is returned when an axis has no samples.
var ErrInsufficientData = errors.New("insufficient accelerometer data")

// Config holds the detector constants.
type Config struct {
	// Window is the rolling window length in samples.
	Window int
	// StdThreshold is the rolling std below which a sample is candidate-flat.
	StdThreshold float64
	// MinFlatSamples is the shortest candidate-flat run that is reported.
	MinFlatSamples int
	// MinGroupDuration is the wear time below which a group is invalid whole.
	MinGroupDuration time.Duration
	// SampleRate is the accelerometer rate in Hz.
	SampleRate float64
}

// DefaultConfig returns the study constants: a 1 s window at 32 Hz, a std
// threshold of 1.0 and a 10 minute minimum for both runs and groups.
func DefaultConfig() Config {
	return Config{
		Window:           32,
		StdThreshold:     1.0,
		MinFlatSamples:   19200,
		MinGroupDuration: 600 * time.Second,
		SampleRate:       32,
	}
}

// Validate rejects configurations the detector cannot run with.
func (c Config) Validate() error {
	if c.Window < 2 {
		return fmt.Errorf("window must be at least 2 samples, got %d", c.Window)
	}
	if c.StdThreshold <= 0 {
		return fmt.Errorf("std threshold must be positive, got %v", c.StdThreshold)
	}
	if c.MinFlatSamples < 1 {
		return fmt.Errorf("min flat samples must be positive, got %d", c.MinFlatSamples)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %v", c.SampleRate)
	}
	return nil
}

// Result is the output of one detection pass.
type Result struct {
	// Regions are the confirmed flatlines as wall-clock ranges, taken from
	// the series timestamps of each run's first and last sample.
	Regions []measure.TimeRange
	// Runs are the same flatlines as accelerometer sample indices.
	Runs measure.Ranges
	// Samples is the magnitude series length.
	Samples int
}

// Detector runs flatline detection with a fixed Config.
type Detector struct {
	cfg Config
}

// NewDetector returns a detector using cfg.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// ShortGroup reports whether a group that was worn for duration is too short
// to analyse.
func (d *Detector) ShortGroup(duration time.Duration) bool {
	return duration < d.cfg.MinGroupDuration
}

// Detect computes the magnitude of the three axes and returns its flatlines.
// Sample i of the series is at start + i/SampleRate.
func (d *Detector) Detect(start time.Time, x, y, z []float64) (Result, error) {
	if len(x) == 0 || len(y) == 0 || len(z) == 0 {
		return Result{}, ErrInsufficientData
	}
	mag, err := Magnitude(x, y, z)
	if err != nil {
		return Result{}, err
	}
	return d.DetectMagnitude(start, mag), nil
}

// DetectMagnitude returns the flatlines of a precomputed magnitude series.
func (d *Detector) DetectMagnitude(start time.Time, mag []float64) Result {
	std, ok := RollingStd(mag, d.cfg.Window)
	runs := FlatRuns(std, ok, d.cfg.StdThreshold, d.cfg.MinFlatSamples)

	timing := measure.RegularRate(d.cfg.SampleRate)
	res := Result{Runs: runs, Samples: len(mag)}
	for _, r := range runs {
		res.Regions = append(res.Regions, measure.TimeRange{
			Start: timing.TimeAt(start, r.Start),
			End:   timing.TimeAt(start, r.End),
		})
	}
	return res
}

// Magnitude returns the per-sample Euclidean norm of three equal-length axes.
func Magnitude(x, y, z []float64) ([]float64, error) {
	if len(x) != len(y) || len(x) != len(z) {
		return nil, fmt.Errorf("axis length mismatch: x=%d y=%d z=%d", len(x), len(y), len(z))
	}
	out := make([]float64, len(x))
	for i := range x {
		out[i] = math.Sqrt(x[i]*x[i] + y[i]*y[i] + z[i]*z[i])
	}
	return out, nil
}

// RollingStd computes a centred rolling sample standard deviation. The window
// for sample i spans [i-window/2, i+window-window/2-1]; samples whose window
// would leave the series get ok[i] = false.
func RollingStd(values []float64, window int) (std []float64, ok []bool) {
	n := len(values)
	std = make([]float64, n)
	ok = make([]bool, n)
	if window < 1 || n < window {
		return std, ok
	}
	before := window / 2
	after := window - before - 1
	for i := before; i+after < n; i++ {
		std[i] = stat.StdDev(values[i-before:i+after+1], nil)
		ok[i] = true
	}
	return std, ok
}

// FlatRuns groups consecutive samples with ok set and std below threshold
// and returns the runs of at least minRun samples.
func FlatRuns(std []float64, ok []bool, threshold float64, minRun int) measure.Ranges {
	runs := measure.Ranges{}
	start := -1
	flush := func(end int) {
		if start >= 0 && end-start+1 >= minRun {
			runs = append(runs, measure.IndexRange{Start: start, End: end})
		}
		start = -1
	}
	for i := range std {
		if ok[i] && std[i] < threshold {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i - 1)
	}
	flush(len(std) - 1)
	return runs
}
