// Package testutil provides shared test utilities and fixtures.
//
// It holds an in-memory session store and builders for synthetic E4
// measurement groups so the analysis packages can be tested without SQLite.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// MemStore is a concurrency-safe in-memory store of sessions, sample data
// and invalid ranges.
type MemStore struct {
	mu       sync.Mutex
	sessions map[int64]measure.Session
	data     map[int64][]float64
	ibi      map[int64][]measure.IBISample
	invalid  map[int64]measure.Ranges
	writes   map[int64]int
	patients map[string]measure.Patient
	relaxes  []measure.RelaxSession
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[int64]measure.Session),
		data:     make(map[int64][]float64),
		ibi:      make(map[int64][]measure.IBISample),
		invalid:  make(map[int64]measure.Ranges),
		writes:   make(map[int64]int),
		patients: make(map[string]measure.Patient),
	}
}

// Add stores a regular session with its samples.
func (m *MemStore) Add(s measure.Session, data []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Count = len(data)
	m.sessions[s.ID] = s
	m.data[s.ID] = data
}

// AddIBI stores an IBI session with its beats; Offsets and Count are derived.
func (m *MemStore) AddIBI(s measure.Session, beats []measure.IBISample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Count = len(beats)
	s.Offsets = make([]float64, len(beats))
	intervals := make([]float64, len(beats))
	for i, b := range beats {
		s.Offsets[i] = b.Offset
		intervals[i] = b.Interval
	}
	m.sessions[s.ID] = s
	m.data[s.ID] = intervals
	m.ibi[s.ID] = beats
}

func (m *MemStore) SessionsInGroup(_ context.Context, groupID int64) ([]measure.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []measure.Session
	for _, s := range m.sessions {
		if s.GroupID == groupID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) Session(_ context.Context, id int64) (measure.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return measure.Session{}, fmt.Errorf("session %d: %w", id, measure.ErrNotFound)
	}
	return s, nil
}

func (m *MemStore) SessionData(_ context.Context, id int64) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, measure.ErrNotFound)
	}
	return d, nil
}

func (m *MemStore) IBIData(_ context.Context, id int64) ([]measure.IBISample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.ibi[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, measure.ErrNotFound)
	}
	return d, nil
}

func (m *MemStore) InvalidRanges(_ context.Context, id int64) (measure.Ranges, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return nil, fmt.Errorf("session %d: %w", id, measure.ErrNotFound)
	}
	return m.invalid[id], nil
}

// SetInvalidRanges overwrites the ranges of a session.
func (m *MemStore) SetInvalidRanges(_ context.Context, id int64, rs measure.Ranges) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session %d: %w", id, measure.ErrNotFound)
	}
	m.invalid[id] = rs
	m.writes[id]++
	return nil
}

// Writes returns how many times the ranges of a session were written.
func (m *MemStore) Writes(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[id]
}

// AddPatient stores a patient.
func (m *MemStore) AddPatient(p measure.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

// AddRelax stores a relaxation session.
func (m *MemStore) AddRelax(r measure.RelaxSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relaxes = append(m.relaxes, r)
}

// SetInvalid presets the invalid ranges of a session without counting a
// write.
func (m *MemStore) SetInvalid(id int64, rs measure.Ranges) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[id] = rs
}

func (m *MemStore) Patient(_ context.Context, id string) (measure.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return measure.Patient{}, fmt.Errorf("patient %s: %w", id, measure.ErrNotFound)
	}
	return p, nil
}

func (m *MemStore) RelaxSessions(_ context.Context, patientID string) ([]measure.RelaxSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []measure.RelaxSession
	for _, r := range m.relaxes {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// SessionsForPatientWeek matches sessions by the patient and week prefix of
// their stream id.
func (m *MemStore) SessionsForPatientWeek(_ context.Context, patientID string, week measure.Week) ([]measure.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := fmt.Sprintf("%s_%s_", patientID, week)
	var out []measure.Session
	for _, s := range m.sessions {
		if strings.HasPrefix(s.StreamID, prefix) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GroupsForPatient returns the distinct group ids of a patient's sessions.
func (m *MemStore) GroupsForPatient(_ context.Context, patientID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, s := range m.sessions {
		if !strings.HasPrefix(s.StreamID, patientID+"_") || seen[s.GroupID] {
			continue
		}
		seen[s.GroupID] = true
		out = append(out, s.GroupID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Flat describes a constant accelerometer block in raw sample indices.
type Flat struct {
	From, To int
}

// GroupSpec describes a synthetic measurement group.
type GroupSpec struct {
	// PatientID and Week default to T001 and week 1.
	PatientID string
	Week      measure.Week
	GroupID   int64
	// FirstID is the id of the first session; the rest follow in
	// measure.AllTypes order.
	FirstID  int64
	Start    time.Time
	Duration time.Duration
	// WithoutIBI leaves the IBI session out, giving a 7-session group.
	WithoutIBI bool
	// Flats are constant blocks in the accelerometer axes.
	Flats []Flat
}

// AddGroup populates m with one session per type for g. Accelerometer
// axes alternate between two levels so that only the Flats blocks have a
// rolling std below 1. It returns the session ids keyed by type.
func (m *MemStore) AddGroup(g GroupSpec) map[measure.Type]int64 {
	ids := make(map[measure.Type]int64, len(measure.AllTypes))
	if g.PatientID == "" {
		g.PatientID = "T001"
	}
	if g.Week == 0 {
		g.Week = 1
	}
	id := g.FirstID
	for _, typ := range measure.AllTypes {
		if typ == measure.IBI && g.WithoutIBI {
			continue
		}
		s := measure.Session{
			ID:       id,
			StreamID: measure.StreamID(g.PatientID, g.Week, typ),
			GroupID:  g.GroupID,
			Type:     typ,
			Start:    g.Start,
		}
		ids[typ] = id
		id++

		if typ == measure.IBI {
			m.AddIBI(s, Beats(g.Duration, 0.8))
			continue
		}
		rate := measure.DefaultRates[typ]
		s.SampleRate = rate
		n := int(g.Duration.Seconds() * rate)
		if typ.IsAccelerometer() {
			m.Add(s, Axis(n, g.Flats...))
			continue
		}
		m.Add(s, Constant(n, 70))
	}
	return ids
}

// Axis returns n samples alternating between 20 and 40, set to 30 inside
// every flat block.
func Axis(n int, flats ...Flat) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 20
		} else {
			out[i] = 40
		}
	}
	for _, f := range flats {
		for i := max(f.From, 0); i <= f.To && i < n; i++ {
			out[i] = 30
		}
	}
	return out
}

// Constant returns n copies of v.
func Constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Beats returns evenly spaced IBI beats covering d.
func Beats(d time.Duration, interval float64) []measure.IBISample {
	var out []measure.IBISample
	for off := interval; off <= d.Seconds(); off += interval {
		out = append(out, measure.IBISample{Offset: off, Interval: interval})
	}
	return out
}
