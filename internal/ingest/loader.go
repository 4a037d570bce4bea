package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/monitoring"
	"github.com/banshee-data/relax.report/internal/security"
)

// Store is the write side of the study store used while loading.
type Store interface {
	InsertPatient(ctx context.Context, p measure.Patient) error
	EnsurePatient(ctx context.Context, id string) error
	SetDemographics(ctx context.Context, patientID string, age int, sex string) error
	SetResearchGroups(ctx context.Context, patientID string, groups [3]bool) error
	UpsertMeasurement(ctx context.Context, s measure.Stream) error
	InsertSession(ctx context.Context, streamID string, start time.Time, data []float64) (int64, error)
	InsertIBISession(ctx context.Context, streamID string, start time.Time, beats []measure.IBISample) (int64, error)
	InsertRelaxSession(ctx context.Context, r measure.RelaxSession) (int64, error)
	SessionsForPatientWeek(ctx context.Context, patientID string, week measure.Week) ([]measure.Session, error)
	UpsertGroup(ctx context.Context, patientID string, week measure.Week, minute time.Time) (int64, error)
	AssignGroup(ctx context.Context, groupID int64, sessionIDs ...int64) error
}

// Loader writes a data folder laid out as <root>/<patient>/<week>/*.zip.
type Loader struct {
	Store Store
	Root  string
	// GroupWindow is how far after a group's first session another session
	// may start and still belong to it.
	GroupWindow time.Duration
}

// NewLoader returns a loader for root with a one minute group window.
func NewLoader(store Store, root string) *Loader {
	return &Loader{Store: store, Root: root, GroupWindow: time.Minute}
}

// LoadSummary counts what a load wrote.
type LoadSummary struct {
	Patients int
	Archives int
	Sessions int
	Groups   int
	Failed   int
}

func (s LoadSummary) String() string {
	return fmt.Sprintf("patients=%d archives=%d sessions=%d groups=%d failed=%d",
		s.Patients, s.Archives, s.Sessions, s.Groups, s.Failed)
}

// LoadDataFolder ingests every patient directory under Root and regroups
// their sessions. A broken archive is logged and counted; it does not stop
// the load.
func (l *Loader) LoadDataFolder(ctx context.Context) (LoadSummary, error) {
	var sum LoadSummary
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return sum, fmt.Errorf("failed to read data folder: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := measure.OriginOf(e.Name()); err != nil {
			monitoring.Logf("Skipping directory %s: %v", e.Name(), err)
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ps, err := l.LoadPatient(ctx, e.Name())
		if err != nil {
			return sum, err
		}
		sum.Patients++
		sum.Archives += ps.Archives
		sum.Sessions += ps.Sessions
		sum.Groups += ps.Groups
		sum.Failed += ps.Failed
	}
	return sum, nil
}

// LoadPatient ingests the week folders of one patient and regroups them.
func (l *Loader) LoadPatient(ctx context.Context, patientID string) (LoadSummary, error) {
	var sum LoadSummary
	dir := filepath.Join(l.Root, patientID)
	if err := security.ValidatePathWithinDirectory(dir, l.Root); err != nil {
		return sum, err
	}
	if err := l.Store.EnsurePatient(ctx, patientID); err != nil {
		return sum, err
	}

	weeks, err := os.ReadDir(dir)
	if err != nil {
		return sum, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	seen := map[measure.Week]bool{}
	for _, w := range weeks {
		if !w.IsDir() {
			continue
		}
		week, ok := weekOf(w.Name())
		if !ok {
			monitoring.Logf("Skipping %s/%s: not a week folder", patientID, w.Name())
			continue
		}
		seen[week] = true

		archives, err := filepath.Glob(filepath.Join(dir, w.Name(), "*.zip"))
		if err != nil {
			return sum, err
		}
		sort.Strings(archives)
		for _, archive := range archives {
			if err := security.ValidatePathWithinDirectory(archive, l.Root); err != nil {
				return sum, err
			}
			n, err := l.loadArchive(ctx, patientID, week, archive)
			if err != nil {
				monitoring.Logf("Failed to load %s: %v", archive, err)
				sum.Failed++
				continue
			}
			sum.Archives++
			sum.Sessions += n
		}
	}

	for _, week := range []measure.Week{1, 2} {
		if !seen[week] {
			continue
		}
		n, err := l.Regroup(ctx, patientID, week)
		if err != nil {
			return sum, err
		}
		sum.Groups += n
	}
	return sum, nil
}

// weekOf reads the study week from a folder name: "Week 1", "Week_2",
// "week1". Any other name holding a 1 is week 1, otherwise week 2.
func weekOf(name string) (measure.Week, bool) {
	if w, err := measure.ParseWeek(name); err == nil {
		return w, w == 1 || w == 2
	}
	if !strings.Contains(strings.ToLower(name), "week") {
		return 0, false
	}
	if strings.Contains(name, "1") {
		return 1, true
	}
	return 2, true
}

func (l *Loader) loadArchive(ctx context.Context, patientID string, week measure.Week, archive string) (int, error) {
	recs, err := ReadArchive(archive)
	if err != nil {
		return 0, err
	}
	monitoring.Logf("Processing %s - %s/%s: %d recordings", patientID, week, filepath.Base(archive), len(recs))

	for _, rec := range recs {
		stream := measure.Stream{
			ID:         measure.StreamID(patientID, week, rec.Type),
			PatientID:  patientID,
			Week:       week,
			Type:       rec.Type,
			SampleRate: rec.Rate,
		}
		if err := l.Store.UpsertMeasurement(ctx, stream); err != nil {
			return 0, err
		}
		if rec.Type.Irregular() {
			_, err = l.Store.InsertIBISession(ctx, stream.ID, rec.Start, rec.Beats)
		} else {
			_, err = l.Store.InsertSession(ctx, stream.ID, rec.Start, rec.Samples)
		}
		if err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// Regroup recomputes the measurement groups of one patient and week and
// returns how many there are.
func (l *Loader) Regroup(ctx context.Context, patientID string, week measure.Week) (int, error) {
	sessions, err := l.Store.SessionsForPatientWeek(ctx, patientID, week)
	if err != nil {
		return 0, err
	}
	clusters := FormGroups(sessions, l.GroupWindow)
	for _, c := range clusters {
		gid, err := l.Store.UpsertGroup(ctx, patientID, week, c.Minute)
		if err != nil {
			return 0, err
		}
		ids := make([]int64, len(c.Sessions))
		for i, s := range c.Sessions {
			ids[i] = s.ID
		}
		if err := l.Store.AssignGroup(ctx, gid, ids...); err != nil {
			return 0, err
		}
	}
	return len(clusters), nil
}

// Cluster is a set of sessions that started together.
type Cluster struct {
	// Minute is the first start truncated to the minute; it keys the group.
	Minute   time.Time
	Sessions []measure.Session
}

// FormGroups clusters sessions by start time. Sessions are taken in start
// order; one joins the current cluster when it starts less than window after
// the cluster's first session. Clusters therefore start at least window
// apart and, for window >= 1m, never share a Minute.
func FormGroups(sessions []measure.Session, window time.Duration) []Cluster {
	if window <= 0 {
		window = time.Minute
	}
	ordered := append([]measure.Session(nil), sessions...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Start.Equal(ordered[j].Start) {
			return ordered[i].Start.Before(ordered[j].Start)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var out []Cluster
	var first time.Time
	for _, s := range ordered {
		if len(out) == 0 || s.Start.Sub(first) >= window {
			first = s.Start
			out = append(out, Cluster{Minute: s.Start.Truncate(time.Minute)})
		}
		c := &out[len(out)-1]
		c.Sessions = append(c.Sessions, s)
	}
	return out
}
