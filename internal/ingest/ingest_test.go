package ingest

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/relax.report/internal/db"
	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

const start = 1657440707 // 2022-07-10 08:11:47 UTC

func TestParseE4CSV_ACC(t *testing.T) {
	body := "1657440707.000000, 1657440707.000000, 1657440707.000000\n" +
		"32.000000, 32.000000, 32.000000\n" +
		"-12,40,50\n" +
		"-13,41,51\n"
	recs, err := ParseE4CSV("ACC.csv", strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, measure.AccX, recs[0].Type)
	assert.Equal(t, measure.AccY, recs[1].Type)
	assert.Equal(t, measure.AccZ, recs[2].Type)
	assert.Equal(t, []float64{-12, -13}, recs[0].Samples)
	assert.Equal(t, []float64{50, 51}, recs[2].Samples)
	assert.Equal(t, 32.0, recs[1].Rate)
	assert.True(t, recs[0].Start.Equal(time.Unix(start, 0)))
	assert.Equal(t, 2, recs[0].Len())
}

func TestParseE4CSV_Regular(t *testing.T) {
	body := "1657440707.5\n4.000000\n0.1\n0.2\n0.3\n"
	recs, err := ParseE4CSV("EDA.csv", strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, measure.EDA, recs[0].Type)
	assert.Equal(t, 4.0, recs[0].Rate)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, recs[0].Samples)
	assert.True(t, recs[0].Start.Equal(time.Unix(start, 500_000_000)))
}

func TestParseE4CSV_IBI(t *testing.T) {
	body := "1657440707.000000, IBI\n12.5,0.81\n13.3,0.80\n"
	recs, err := ParseE4CSV("IBI.csv", strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, measure.IBI, recs[0].Type)
	assert.Zero(t, recs[0].Rate)
	assert.Equal(t, []measure.IBISample{{Offset: 12.5, Interval: 0.81}, {Offset: 13.3, Interval: 0.80}}, recs[0].Beats)
	assert.Equal(t, 2, recs[0].Len())
}

func TestParseE4CSV_Errors(t *testing.T) {
	tests := []struct {
		name, file, body string
	}{
		{"empty", "HR.csv", ""},
		{"bad start", "HR.csv", "yesterday\n1\n60\n"},
		{"no rate", "HR.csv", "1657440707\n"},
		{"zero rate", "HR.csv", "1657440707\n0\n60\n"},
		{"bad sample", "HR.csv", "1657440707\n1\nsixty\n"},
		{"short acc row", "ACC.csv", "1,1,1\n32,32,32\n1,2\n"},
		{"short ibi row", "IBI.csv", "1657440707, IBI\n12.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseE4CSV(tt.file, strings.NewReader(tt.body))
			assert.Error(t, err)
			assert.False(t, errors.Is(err, ErrUnsupported))
		})
	}

	for _, name := range []string{"tags.csv", "info.txt", "HR.txt"} {
		_, err := ParseE4CSV(name, strings.NewReader("1\n"))
		assert.ErrorIs(t, err, ErrUnsupported, name)
	}
}

// writeArchive creates an E4 style ZIP holding the given members.
func writeArchive(t *testing.T, path string, members map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

// e4Members builds a complete upload starting at unix second sec.
func e4Members(sec int) map[string]string {
	ts := func(cols int) string {
		s := strings.TrimSuffix(strings.Repeat(itoa(sec)+",", cols), ",")
		return s + "\n"
	}
	return map[string]string{
		"ACC.csv":  ts(3) + "32,32,32\n1,2,3\n4,5,6\n",
		"BVP.csv":  ts(1) + "64\n0.5\n0.6\n",
		"EDA.csv":  ts(1) + "4\n0.1\n",
		"HR.csv":   ts(1) + "1\n70\n71\n",
		"TEMP.csv": ts(1) + "4\n33.1\n",
		"IBI.csv":  itoa(sec) + ", IBI\n1.0,0.8\n",
		"tags.csv": "",
		"info.txt": "E4 export",
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

func TestReadArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload.zip")
	writeArchive(t, path, e4Members(start))

	recs, err := ReadArchive(path)
	require.NoError(t, err)
	assert.Len(t, recs, 8)

	types := map[measure.Type]bool{}
	for _, r := range recs {
		types[r.Type] = true
	}
	for _, typ := range measure.AllTypes {
		assert.True(t, types[typ], "missing %s", typ)
	}
}

func TestReadArchive_RejectsNestedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evil.zip")
	writeArchive(t, path, map[string]string{"../HR.csv": "1\n1\n60\n"})
	_, err := ReadArchive(path)
	assert.Error(t, err)
}

func TestReadArchive_Missing(t *testing.T) {
	_, err := ReadArchive(filepath.Join(t.TempDir(), "none.zip"))
	assert.Error(t, err)
}

func TestWeekOf(t *testing.T) {
	tests := []struct {
		name string
		want measure.Week
		ok   bool
	}{
		{"Week 1", 1, true},
		{"Week_2", 2, true},
		{"week1", 1, true},
		{"Week1 (extra)", 1, true},
		{"week two", 2, true},
		{"Week_3", 3, false},
		{"photos", 0, false},
	}
	for _, tt := range tests {
		got, ok := weekOf(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.name)
		}
	}
}

func TestFormGroups(t *testing.T) {
	base := time.Date(2022, 7, 10, 10, 51, 47, 0, time.UTC)
	sess := func(id int64, offset time.Duration) measure.Session {
		return measure.Session{ID: id, Start: base.Add(offset)}
	}
	in := []measure.Session{
		sess(5, 2*time.Hour),
		sess(1, 0),
		sess(2, 10*time.Second), // HR starts a little late
		sess(3, 59*time.Second),
		sess(4, 61*time.Second),
		sess(6, 2*time.Hour),
	}

	groups := FormGroups(in, time.Minute)
	require.Len(t, groups, 3)

	ids := func(c Cluster) []int64 {
		var out []int64
		for _, s := range c.Sessions {
			out = append(out, s.ID)
		}
		return out
	}
	assert.Equal(t, []int64{1, 2, 3}, ids(groups[0]))
	assert.Equal(t, []int64{4}, ids(groups[1]))
	assert.Equal(t, []int64{5, 6}, ids(groups[2]))
	assert.True(t, groups[0].Minute.Equal(time.Date(2022, 7, 10, 10, 51, 0, 0, time.UTC)))
	assert.True(t, groups[1].Minute.Equal(time.Date(2022, 7, 10, 10, 52, 0, 0, time.UTC)))

	assert.Empty(t, FormGroups(nil, 0))
}

func TestParseParticipants(t *testing.T) {
	body := "ID;UserKey;Group;Age;Sex\n" +
		"F001;ABC 1;1;34;1\n" +
		"U002;XYZ;2;51.0;2\n" +
		"L003;QQQ;;;\n" +
		";;;;\n"
	got, err := ParseParticipants(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, measure.Patient{ID: "F001", UserKey: "ABC 1", Origin: "Forte GGZ", Arm: measure.ArmVR, Age: 34, Sex: "Female"}, got[0])
	assert.Equal(t, measure.Patient{ID: "U002", UserKey: "XYZ", Origin: "UMCG", Arm: measure.ArmExercise, Age: 51, Sex: "Male"}, got[1])
	assert.Equal(t, measure.ArmExercise, got[2].Arm, "unknown group defaults to Exercise")
	assert.Empty(t, got[2].Sex)

	_, err = ParseParticipants(strings.NewReader("ID;Group\nF001;1\n"))
	assert.ErrorContains(t, err, "UserKey")

	_, err = ParseParticipants(strings.NewReader("ID;UserKey;Group\nZ001;k;1\n"))
	assert.ErrorContains(t, err, "origin")
}

func TestParseResearchGroups(t *testing.T) {
	body := "Participant;GR1;GR2;GR3\nF001;1;;1\nU002;;1.0;\n"
	got, err := ParseResearchGroups(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, map[string][3]bool{
		"F001": {true, false, true},
		"U002": {false, true, false},
	}, got)
}

func TestParseRelaxSessions_VRelax(t *testing.T) {
	body := "UserKey;StartSessionDT;EndSessionDT;StartQuestion1;EndQuestion1;StartQuestion2;EndQuestion2;IsSleepSession\n" +
		"ABC;10-07-2022 14:00;10-07-2022 14:15;3;4;5;8;0\n" +
		"ABC;07/11/2022 09:00:00;07/11/2022 09:20:00;;;;;1\n" +
		"ABC;10-07-2022 15:00;10-07-2022 14:00;1;1;1;1;0\n" + // start after end
		"ABC;10-07-2022 08:00;10-07-2022 10:30;1;1;1;1;0\n" + // too long
		"ABC;01-06-2022 08:00;01-06-2022 08:10;1;1;1;1;0\n" + // before study start
		"NOPE;10-07-2022 14:00;10-07-2022 14:15;1;1;1;1;0\n" +
		"ABC;tomorrow;10-07-2022 14:15;1;1;1;1;0\n"

	loc := time.FixedZone("CEST", 2*3600)
	res, err := ParseRelaxSessions(strings.NewReader(body), FormatVRelax, map[string]string{"ABC": "F001"}, RelaxFilter{
		StudyStart:  time.Date(2022, 7, 4, 0, 0, 0, 0, loc),
		MaxDuration: 2 * time.Hour,
		Location:    loc,
	})
	require.NoError(t, err)
	require.Len(t, res.Sessions, 2)

	first := res.Sessions[0]
	assert.Equal(t, "F001", first.PatientID)
	assert.True(t, first.Start.Equal(time.Date(2022, 7, 10, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, 15*time.Minute, first.Duration())
	// Question 2 of this export lands in the first score slots.
	require.NotNil(t, first.StartQ1)
	assert.Equal(t, 5, *first.StartQ1)
	assert.Equal(t, 8, *first.EndQ1)
	assert.Equal(t, 3, *first.StartQ2)
	assert.Equal(t, 4, *first.EndQ2)
	assert.Equal(t, "0", first.Modifier)

	second := res.Sessions[1]
	assert.True(t, second.Start.Equal(time.Date(2022, 7, 11, 7, 0, 0, 0, time.UTC)))
	assert.Nil(t, second.StartQ1)

	assert.Equal(t, map[string]int{
		"start after end":    1,
		"too long":           1,
		"before study start": 1,
		"unknown user":       1,
		"unparsable date":    1,
	}, res.Skipped)
}

func TestParseRelaxSessions_Exercise(t *testing.T) {
	body := "oo_id,oo_ss,oo_es,oo_sq1,oo_eq1,oo_sq2,oo_eq2,ontspanningsoefening_complete\n" +
		"abc 1,2022-07-12 19:00:00,2022-07-12 19:10:00,2.0,6.0,3,7,2\n"
	res, err := ParseRelaxSessions(strings.NewReader(body), FormatExercise, map[string]string{"ABC1": "U002"}, RelaxFilter{})
	require.NoError(t, err)
	require.Len(t, res.Sessions, 1)

	s := res.Sessions[0]
	assert.Equal(t, "U002", s.PatientID)
	assert.Equal(t, 2, *s.StartQ1)
	assert.Equal(t, 6, *s.EndQ1)
	assert.Equal(t, 3, *s.StartQ2)
	assert.Equal(t, 7, *s.EndQ2)
	assert.Equal(t, "2", s.Modifier)
	assert.Empty(t, res.Skipped)
}

func TestParseRelaxSessions_MissingColumns(t *testing.T) {
	_, err := ParseRelaxSessions(strings.NewReader("UserKey\nABC\n"), FormatVRelax, nil, RelaxFilter{})
	assert.ErrorContains(t, err, "StartSessionDT")

	_, err = ParseRelaxSessions(strings.NewReader(""), RelaxFormat(9), nil, RelaxFilter{})
	assert.Error(t, err)
}

func setupDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestLoader_LoadDataFolder(t *testing.T) {
	root := t.TempDir()
	// Two uploads of week 1 in the same minute merge into one group of 16;
	// week 2 holds one upload a day later.
	writeArchive(t, filepath.Join(root, "F001", "Week 1", "a.zip"), e4Members(start))
	writeArchive(t, filepath.Join(root, "F001", "Week 1", "b.zip"), e4Members(start+20))
	writeArchive(t, filepath.Join(root, "F001", "Week 2", "c.zip"), e4Members(start+86400))
	writeArchive(t, filepath.Join(root, "U002", "Week_1", "d.zip"), e4Members(start+3600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "F001", "Week 1", "broken.zip"), []byte("not a zip"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scratch"), 0o755))

	store := setupDB(t)
	ctx := context.Background()
	loader := NewLoader(store, root)

	sum, err := loader.LoadDataFolder(ctx)
	require.NoError(t, err)
	assert.Equal(t, LoadSummary{Patients: 2, Archives: 4, Sessions: 32, Groups: 3, Failed: 1}, sum)

	groups, err := store.GroupsForPatient(ctx, "F001")
	require.NoError(t, err)
	require.Len(t, groups, 2)

	week1, err := store.SessionsInGroup(ctx, groups[0])
	require.NoError(t, err)
	assert.Len(t, week1, 16)

	week2, err := store.SessionsInGroup(ctx, groups[1])
	require.NoError(t, err)
	assert.Len(t, week2, 8)

	p, err := store.Patient(ctx, "U002")
	require.NoError(t, err)
	assert.Equal(t, measure.Origin("UMCG"), p.Origin)

	// Loading again keeps ids and groups stable.
	again, err := loader.LoadDataFolder(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum, again)
	regrouped, err := store.GroupsForPatient(ctx, "F001")
	require.NoError(t, err)
	assert.Equal(t, groups, regrouped)
}

func TestLoader_StudyFiles(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()
	loader := NewLoader(store, t.TempDir())

	lookup, err := loader.LoadParticipants(ctx, strings.NewReader("ID;UserKey;Group;Age;Sex\nF001;abc 1;1;34;1\n"))
	require.NoError(t, err)
	assert.Equal(t, "F001", lookup["abc 1"])
	assert.Equal(t, "F001", lookup["ABC1"])

	n, err := loader.LoadResearchGroups(ctx, strings.NewReader("Participant;GR1;GR2;GR3\nF001;1;;\nX404;1;1;1\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := loader.LoadRelaxSessions(ctx,
		strings.NewReader("oo_id,oo_ss,oo_es,oo_sq1,oo_eq1,oo_sq2,oo_eq2,ontspanningsoefening_complete\nABC1,2022-07-12 19:00:00,2022-07-12 19:10:00,2,6,3,7,2\n"),
		FormatExercise, lookup, RelaxFilter{StudyStart: time.Date(2022, 7, 4, 0, 0, 0, 0, time.UTC), MaxDuration: 2 * time.Hour})
	require.NoError(t, err)
	assert.Len(t, res.Sessions, 1)

	p, err := store.Patient(ctx, "F001")
	require.NoError(t, err)
	assert.Equal(t, 34, p.Age)
	assert.Equal(t, "Female", p.Sex)
	assert.Equal(t, [3]bool{true, false, false}, p.Groups)

	relax, err := store.RelaxSessions(ctx, "F001")
	require.NoError(t, err)
	require.Len(t, relax, 1)
	assert.Equal(t, 10*time.Minute, relax[0].Duration())
}
