package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/monitoring"
)

// table is a header-indexed CSV.
type table struct {
	cols map[string]int
	rows [][]string
}

func readTable(r io.Reader, sep rune) (*table, error) {
	cr := csv.NewReader(r)
	cr.Comma = sep
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("missing header row")
	}
	t := &table{cols: make(map[string]int, len(rows[0])), rows: rows[1:]}
	for i, name := range rows[0] {
		t.cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	return t, nil
}

func (t *table) require(names ...string) error {
	for _, n := range names {
		if _, ok := t.cols[n]; !ok {
			return fmt.Errorf("missing column %q", n)
		}
	}
	return nil
}

func (t *table) get(row []string, name string) string {
	i, ok := t.cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// sexes maps the participants file codes.
var sexes = map[string]string{"1": "Female", "2": "Male"}

// ParseParticipants reads the ';' separated participants file with columns
// ID, UserKey, Group, Age and Sex. Origin comes from the first letter of the
// id; group 1 is VR and anything else Exercise.
func ParseParticipants(r io.Reader) ([]measure.Patient, error) {
	t, err := readTable(r, ';')
	if err != nil {
		return nil, fmt.Errorf("failed to read participants: %w", err)
	}
	if err := t.require("ID", "UserKey", "Group"); err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}

	var out []measure.Patient
	for i, row := range t.rows {
		id := t.get(row, "ID")
		if id == "" {
			continue
		}
		origin, err := measure.OriginOf(id)
		if err != nil {
			return nil, fmt.Errorf("participants row %d: %w", i+2, err)
		}
		arm, err := measure.ArmOf(t.get(row, "Group"))
		if err != nil {
			arm = measure.ArmExercise
		}
		p := measure.Patient{
			ID:      id,
			UserKey: t.get(row, "UserKey"),
			Origin:  origin,
			Arm:     arm,
			Sex:     sexes[codeOf(t.get(row, "Sex"))],
		}
		if age, err := strconv.ParseFloat(t.get(row, "Age"), 64); err == nil {
			p.Age = int(age)
		}
		out = append(out, p)
	}
	return out, nil
}

// codeOf normalises "1", "1.0" and " 1 " to "1".
func codeOf(s string) string {
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) {
		return strconv.Itoa(int(f))
	}
	return s
}

// ParseResearchGroups reads the ';' separated overview with columns
// Participant, GR1, GR2 and GR3, where 1 marks membership.
func ParseResearchGroups(r io.Reader) (map[string][3]bool, error) {
	t, err := readTable(r, ';')
	if err != nil {
		return nil, fmt.Errorf("failed to read research groups: %w", err)
	}
	if err := t.require("Participant", "GR1", "GR2", "GR3"); err != nil {
		return nil, fmt.Errorf("research groups: %w", err)
	}
	out := make(map[string][3]bool, len(t.rows))
	for _, row := range t.rows {
		id := t.get(row, "Participant")
		if id == "" {
			continue
		}
		var g [3]bool
		for i, col := range []string{"GR1", "GR2", "GR3"} {
			g[i] = codeOf(t.get(row, col)) == "1"
		}
		out[id] = g
	}
	return out, nil
}

// RelaxFormat selects the layout of a relaxation-session export.
type RelaxFormat int

const (
	// FormatVRelax is the ';' separated app export keyed by UserKey. Its
	// question pairs are stored swapped: question 2 is the relaxation
	// score recorded first.
	FormatVRelax RelaxFormat = iota
	// FormatExercise is the ',' separated exercise export keyed by oo_id.
	FormatExercise
)

type relaxLayout struct {
	sep                rune
	key, start, end    string
	sq1, eq1, sq2, eq2 string
	modifier           string
	dateLayouts        []string
	swapQuestions      bool
	upperKey           bool
}

var relaxLayouts = map[RelaxFormat]relaxLayout{
	FormatVRelax: {
		sep: ';', key: "UserKey", start: "StartSessionDT", end: "EndSessionDT",
		sq1: "StartQuestion1", eq1: "EndQuestion1", sq2: "StartQuestion2", eq2: "EndQuestion2",
		modifier:      "IsSleepSession",
		dateLayouts:   []string{"02-01-2006 15:04", "01/02/2006 15:04:05"},
		swapQuestions: true,
	},
	FormatExercise: {
		sep: ',', key: "oo_id", start: "oo_ss", end: "oo_es",
		sq1: "oo_sq1", eq1: "oo_eq1", sq2: "oo_sq2", eq2: "oo_eq2",
		modifier:    "ontspanningsoefening_complete",
		dateLayouts: []string{"2006-01-02 15:04:05"},
		upperKey:    true,
	},
}

// RelaxFilter holds the plausibility rules for relaxation sessions.
type RelaxFilter struct {
	// StudyStart rejects sessions starting before it.
	StudyStart time.Time
	// MaxDuration rejects longer sessions.
	MaxDuration time.Duration
	// Location is the zone the export's wall-clock times are written in.
	Location *time.Location
}

// RelaxResult is the outcome of parsing one export.
type RelaxResult struct {
	Sessions []measure.RelaxSession
	// Skipped counts rejected rows by reason.
	Skipped map[string]int
}

func (r *RelaxResult) skip(reason, key string, row int) {
	monitoring.Logf("Warning: relax row %d (%s) skipped: %s", row, key, reason)
	r.Skipped[reason]++
}

// ParseRelaxSessions reads a relaxation-session export. lookup maps user
// keys to patient ids. Rows with an unknown user, an unparsable date, a
// start after the end, a duration above MaxDuration or a start before
// StudyStart are skipped and counted.
func ParseRelaxSessions(r io.Reader, format RelaxFormat, lookup map[string]string, filter RelaxFilter) (RelaxResult, error) {
	res := RelaxResult{Skipped: map[string]int{}}
	layout, ok := relaxLayouts[format]
	if !ok {
		return res, fmt.Errorf("unknown relax format %d", format)
	}
	loc := filter.Location
	if loc == nil {
		loc = time.UTC
	}

	t, err := readTable(r, layout.sep)
	if err != nil {
		return res, fmt.Errorf("failed to read relax sessions: %w", err)
	}
	if err := t.require(layout.key, layout.start, layout.end); err != nil {
		return res, fmt.Errorf("relax sessions: %w", err)
	}

	for i, row := range t.rows {
		line := i + 2
		key := t.get(row, layout.key)
		if layout.upperKey {
			key = strings.ToUpper(strings.ReplaceAll(key, " ", ""))
		}
		patientID, ok := lookup[key]
		if !ok {
			res.skip("unknown user", key, line)
			continue
		}
		start, okStart := parseDate(t.get(row, layout.start), layout.dateLayouts, loc)
		end, okEnd := parseDate(t.get(row, layout.end), layout.dateLayouts, loc)
		switch {
		case !okStart || !okEnd:
			res.skip("unparsable date", key, line)
			continue
		case start.After(end):
			res.skip("start after end", key, line)
			continue
		case filter.MaxDuration > 0 && end.Sub(start) > filter.MaxDuration:
			res.skip("too long", key, line)
			continue
		case start.Before(filter.StudyStart):
			res.skip("before study start", key, line)
			continue
		}

		rs := measure.RelaxSession{
			PatientID: patientID,
			Start:     start.UTC(),
			End:       end.UTC(),
			StartQ1:   score(t.get(row, layout.sq1)),
			EndQ1:     score(t.get(row, layout.eq1)),
			StartQ2:   score(t.get(row, layout.sq2)),
			EndQ2:     score(t.get(row, layout.eq2)),
			Modifier:  t.get(row, layout.modifier),
		}
		if layout.swapQuestions {
			rs.StartQ1, rs.StartQ2 = rs.StartQ2, rs.StartQ1
			rs.EndQ1, rs.EndQ2 = rs.EndQ2, rs.EndQ1
		}
		res.Sessions = append(res.Sessions, rs)
	}
	return res, nil
}

func parseDate(s string, layouts []string, loc *time.Location) (time.Time, bool) {
	for _, l := range layouts {
		if t, err := time.ParseInLocation(l, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func score(s string) *int {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return nil
	}
	v := int(math.Round(f))
	return &v
}

// LoadParticipants stores the participants file and returns the user key to
// patient id lookup used by ParseRelaxSessions.
func (l *Loader) LoadParticipants(ctx context.Context, r io.Reader) (map[string]string, error) {
	patients, err := ParseParticipants(r)
	if err != nil {
		return nil, err
	}
	lookup := make(map[string]string, len(patients))
	for _, p := range patients {
		if err := l.Store.InsertPatient(ctx, p); err != nil {
			return nil, err
		}
		if p.Sex != "" {
			if err := l.Store.SetDemographics(ctx, p.ID, p.Age, p.Sex); err != nil {
				return nil, err
			}
		}
		if p.UserKey != "" {
			lookup[p.UserKey] = p.ID
			lookup[strings.ToUpper(strings.ReplaceAll(p.UserKey, " ", ""))] = p.ID
		}
	}
	monitoring.Logf("Loaded %d patients", len(patients))
	return lookup, nil
}

// LoadResearchGroups stores GR1..GR3 flags. Rows for unknown patients are
// logged and skipped.
func (l *Loader) LoadResearchGroups(ctx context.Context, r io.Reader) (int, error) {
	groups, err := ParseResearchGroups(r)
	if err != nil {
		return 0, err
	}
	n := 0
	for id, g := range groups {
		if err := l.Store.SetResearchGroups(ctx, id, g); err != nil {
			if errors.Is(err, measure.ErrNotFound) {
				monitoring.Logf("Skipping research groups of unknown patient %s", id)
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// LoadRelaxSessions parses and stores one relaxation-session export.
func (l *Loader) LoadRelaxSessions(ctx context.Context, r io.Reader, format RelaxFormat, lookup map[string]string, filter RelaxFilter) (RelaxResult, error) {
	res, err := ParseRelaxSessions(r, format, lookup, filter)
	if err != nil {
		return res, err
	}
	for _, rs := range res.Sessions {
		if _, err := l.Store.InsertRelaxSession(ctx, rs); err != nil {
			return res, err
		}
	}
	monitoring.Logf("Loaded %d relaxation sessions, skipped %v", len(res.Sessions), res.Skipped)
	return res, nil
}
