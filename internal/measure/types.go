// Package measure holds the study's data model (streams, sessions, index
// ranges) and the conversions between wall-clock time and sample indices.
package measure

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Type identifies one physical measurement channel of the E4 wristband.
type Type string

const (
	AccX Type = "ACC_X"
	AccY Type = "ACC_Y"
	AccZ Type = "ACC_Z"
	BVP  Type = "BVP"
	EDA  Type = "EDA"
	HR   Type = "HR"
	IBI  Type = "IBI"
	TEMP Type = "TEMP"
)

// AllTypes lists every supported type in storage order.
var AllTypes = []Type{AccX, AccY, AccZ, BVP, EDA, HR, IBI, TEMP}

// IsAccelerometer reports whether t is one of the three ACC axes.
func (t Type) IsAccelerometer() bool {
	return t == AccX || t == AccY || t == AccZ
}

// Irregular reports whether samples of t carry their own time offsets.
func (t Type) Irregular() bool {
	return t == IBI
}

// ParseType accepts either a bare type ("HR") or a measurement id that ends
// in a type ("F001_Week_1_ACC_X").
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	for _, t := range AllTypes {
		if s == string(t) || strings.HasSuffix(s, "_"+string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown measurement type in %q", s)
}

// Week is the study week of a recording (1 or 2).
type Week int

// String formats the week the way measurement ids embed it.
func (w Week) String() string {
	return fmt.Sprintf("Week_%d", int(w))
}

// ParseWeek accepts "Week_1", "Week1", "1" and similar spellings.
func ParseWeek(s string) (Week, error) {
	digits := strings.TrimLeft(strings.TrimSpace(s), "WEeKk_ ")
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("unknown week %q", s)
	}
	return Week(n), nil
}

// Arm is the treatment arm a patient was randomised into.
type Arm string

const (
	ArmVR       Arm = "VR"
	ArmExercise Arm = "Exercise"
)

// StreamID builds the canonical measurement id, e.g. F001_Week_1_HR.
func StreamID(patientID string, week Week, t Type) string {
	return fmt.Sprintf("%s_%s_%s", patientID, week, t)
}

// Stream is one sensor channel for one patient and week.
type Stream struct {
	ID         string
	PatientID  string
	Week       Week
	Type       Type
	SampleRate float64 // 0 for IBI
}

// IBISample is one inter-beat interval: the elapsed seconds since session
// start at which the beat was detected and the interval length in seconds.
type IBISample struct {
	Offset   float64
	Interval float64
}

// Session is one contiguous upload of a stream. It is decoded once at the
// store boundary and treated as immutable afterwards.
type Session struct {
	ID         int64
	StreamID   string
	GroupID    int64
	Type       Type
	Start      time.Time
	Count      int
	SampleRate float64
	// Offsets holds the elapsed seconds of every IBI sample; nil otherwise.
	Offsets []float64
}

// Regular reports whether the session is sampled at a fixed rate.
func (s Session) Regular() bool {
	return !s.Type.Irregular()
}

// Duration is the wear time covered by the session: Count/rate for regular
// streams, the last offset for IBI.
func (s Session) Duration() time.Duration {
	if !s.Regular() {
		if len(s.Offsets) == 0 {
			return 0
		}
		return seconds(s.Offsets[len(s.Offsets)-1])
	}
	if s.SampleRate <= 0 {
		return 0
	}
	return seconds(float64(s.Count) / s.SampleRate)
}

// End is the nominal time of the last sample.
func (s Session) End() time.Time {
	if s.Count == 0 {
		return s.Start
	}
	return s.TimeOf(s.Count - 1)
}

// TimeOf returns the wall-clock time of sample index i.
func (s Session) TimeOf(i int) time.Time {
	return s.Timing().TimeAt(s.Start, i)
}

// Timing returns the timestamp strategy for this session.
func (s Session) Timing() Timing {
	if !s.Regular() {
		return OffsetTable(s.Offsets)
	}
	return RegularRate(s.SampleRate)
}

// TimeRange is a closed wall-clock interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Duration returns End-Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("%s..%s", r.Start.Format(time.RFC3339Nano), r.End.Format(time.RFC3339Nano))
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
