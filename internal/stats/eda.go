package stats

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

const (
	// TonicCutoffHz separates the slow skin conductance level from the
	// phasic responses riding on it.
	TonicCutoffHz = 0.05
	// MinSCRRelativeAmplitude drops responses smaller than this share of
	// the largest response in the series.
	MinSCRRelativeAmplitude = 0.1
	// MinValidSCL and MinValidSCRAmplitude are the microsiemens bounds
	// above which a mean level or mean response amplitude counts as skin
	// contact.
	MinValidSCL          = 0.2
	MinValidSCRAmplitude = 0.03

	scrNoiseFloor = 1e-9
)

// SCRPeak is one skin conductance response in the phasic component.
type SCRPeak struct {
	Onset     int
	Peak      int
	Amplitude float64
}

// EDAFeatures summarises the decomposed electrodermal activity of a series.
type EDAFeatures struct {
	// SCL summarises the tonic component.
	SCL Summary
	// Amplitude summarises the amplitudes of the detected responses.
	Amplitude Summary
	Peaks     int
	// Minutes is the duration of the series.
	Minutes float64
}

// Valid reports whether the series looks like skin contact: a mean level
// above MinValidSCL or a mean response amplitude above MinValidSCRAmplitude.
func (f EDAFeatures) Valid() bool {
	return f.SCL.Mean > MinValidSCL || f.Amplitude.Mean > MinValidSCRAmplitude
}

// PerMinute returns the response rate of the series, 0 for an empty one.
func (f EDAFeatures) PerMinute() float64 {
	if f.Minutes <= 0 {
		return 0
	}
	return float64(f.Peaks) / f.Minutes
}

// AnalyzeEDA decomposes values sampled at rateHz and detects the responses.
// Empty and all-zero series yield the zero EDAFeatures.
func AnalyzeEDA(values []float64, rateHz float64) EDAFeatures {
	if len(values) == 0 || allZero(values) || rateHz <= 0 {
		return EDAFeatures{}
	}
	tonic, phasic := DecomposeEDA(values, rateHz)
	peaks := FindSCRPeaks(phasic)
	amps := make([]float64, len(peaks))
	for i, p := range peaks {
		amps[i] = p.Amplitude
	}
	return EDAFeatures{
		SCL:       Describe(tonic),
		Amplitude: Describe(amps),
		Peaks:     len(peaks),
		Minutes:   float64(len(values)) / rateHz / 60,
	}
}

// DecomposeEDA splits values into a tonic level, low-passed at
// TonicCutoffHz with a zero-phase second-order Butterworth filter, and the
// phasic remainder. tonic+phasic reproduces values.
func DecomposeEDA(values []float64, rateHz float64) (tonic, phasic []float64) {
	tonic = filtfilt(newLowPass(TonicCutoffHz, rateHz), values)
	phasic = make([]float64, len(values))
	floats.SubTo(phasic, values, tonic)
	return tonic, phasic
}

// FindSCRPeaks returns the local maxima of phasic with their preceding
// minimum as onset. Responses below MinSCRRelativeAmplitude of the largest
// one are dropped.
func FindSCRPeaks(phasic []float64) []SCRPeak {
	var cand []SCRPeak
	for i := 1; i < len(phasic)-1; i++ {
		if phasic[i] <= phasic[i-1] || phasic[i] < phasic[i+1] {
			continue
		}
		on := i - 1
		for on > 0 && phasic[on-1] <= phasic[on] {
			on--
		}
		if amp := phasic[i] - phasic[on]; amp > scrNoiseFloor {
			cand = append(cand, SCRPeak{Onset: on, Peak: i, Amplitude: amp})
		}
	}
	if len(cand) == 0 {
		return nil
	}
	largest := slices.MaxFunc(cand, func(a, b SCRPeak) int {
		switch {
		case a.Amplitude < b.Amplitude:
			return -1
		case a.Amplitude > b.Amplitude:
			return 1
		}
		return 0
	}).Amplitude
	return slices.DeleteFunc(cand, func(p SCRPeak) bool {
		return p.Amplitude < MinSCRRelativeAmplitude*largest
	})
}

// biquad is a second-order section in transposed direct form II with a0
// normalised to 1.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// newLowPass designs a Butterworth low pass through the bilinear transform.
func newLowPass(cutoffHz, rateHz float64) biquad {
	k := math.Tan(math.Pi * cutoffHz / rateHz)
	norm := 1 / (1 + math.Sqrt2*k + k*k)
	b0 := k * k * norm
	return biquad{
		b0: b0, b1: 2 * b0, b2: b0,
		a1: 2 * (k*k - 1) * norm,
		a2: (1 - math.Sqrt2*k + k*k) * norm,
	}
}

// run filters x starting from the steady state of a constant x[0], so a
// constant series passes unchanged.
func (f biquad) run(x []float64) []float64 {
	y := make([]float64, len(x))
	if len(x) == 0 {
		return y
	}
	z1 := (1 - f.b0) * x[0]
	z2 := (f.b2 - f.a2) * x[0]
	for i, v := range x {
		out := f.b0*v + z1
		z1 = f.b1*v - f.a1*out + z2
		z2 = f.b2*v - f.a2*out
		y[i] = out
	}
	return y
}

// filtfilt runs f forward and backward, cancelling its phase shift.
func filtfilt(f biquad, x []float64) []float64 {
	y := f.run(x)
	slices.Reverse(y)
	y = f.run(y)
	slices.Reverse(y)
	return y
}
