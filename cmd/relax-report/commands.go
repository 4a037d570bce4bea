package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/relax.report/internal/batch"
	"github.com/banshee-data/relax.report/internal/db"
	"github.com/banshee-data/relax.report/internal/flatline"
	"github.com/banshee-data/relax.report/internal/ingest"
	"github.com/banshee-data/relax.report/internal/invalid"
	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/report"
	"github.com/banshee-data/relax.report/internal/segments"
	"github.com/banshee-data/relax.report/internal/stats"
	"github.com/banshee-data/relax.report/internal/timeutil"
	"github.com/banshee-data/relax.report/internal/units"
)

// patientIDs returns the comma separated list, or every stored patient
// when it is empty.
func patientIDs(ctx context.Context, database *db.DB, list string) ([]string, error) {
	if list == "" {
		return database.PatientIDs(ctx)
	}
	var ids []string
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func parseStreamType(s string) (measure.Type, error) {
	if strings.EqualFold(s, string(stats.Acc)) {
		return stats.Acc, nil
	}
	return measure.ParseType(strings.ToUpper(s))
}

func withFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fn(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// configure applies the loaded analysis config to a propagator.
func (a *app) configure(p *invalid.Propagator) {
	p.Policy = a.cfg.Policy()
	p.Detector = flatline.NewDetector(a.cfg.FlatlineConfig())
	p.Converter = measure.NewConverter(a.cfg.Rates())
}

func (a *app) sessionAnalyzer(store stats.Store) *stats.SessionAnalyzer {
	sa := stats.NewSessionAnalyzer(store)
	sa.Converter = measure.NewConverter(a.cfg.Rates())
	sa.Pad = a.cfg.GetRelaxPad()
	sa.MaxInvalidFraction = a.cfg.GetMaxInvalidFraction()
	sa.IBITolerance = a.cfg.GetIBITolerance()
	sa.Location = a.cfg.Location()
	return sa
}

func (a *app) weekAnalyzer(store stats.Store) *stats.WeekAnalyzer {
	wa := stats.NewWeekAnalyzer(store)
	wa.Segments = &segments.Reconstructor{Store: store, Converter: measure.NewConverter(a.cfg.Rates())}
	wa.MinCoverage = a.cfg.GetMinWeekCoverage()
	wa.MinEDASamples = a.cfg.GetMinEDASamples()
	wa.Location = a.cfg.Location()
	return wa
}

func (a *app) ingest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	participants := fs.String("participants", "", "Participants CSV (patient ids, user keys, demographics)")
	research := fs.String("research", "", "Research group CSV (GR1..GR3 flags)")
	vrelax := fs.String("vrelax", "", "VRelax app export (';' separated)")
	exercise := fs.String("exercise", "", "Exercise export (',' separated)")
	skipData := fs.Bool("skip-data", false, "Do not load the E4 data folder")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*vrelax != "" || *exercise != "") && *participants == "" {
		return errors.New("relaxation exports need -participants to resolve user keys")
	}

	database, err := db.NewDB(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	loader := ingest.NewLoader(database, a.dataDir)
	var lookup map[string]string
	if *participants != "" {
		err := withFile(*participants, func(r io.Reader) (err error) {
			lookup, err = loader.LoadParticipants(ctx, r)
			return err
		})
		if err != nil {
			return err
		}
	}

	if !*skipData {
		sum, err := loader.LoadDataFolder(ctx)
		if err != nil {
			return err
		}
		log.Printf("Loaded data folder %s: %s", a.dataDir, sum)
	}

	if *research != "" {
		err := withFile(*research, func(r io.Reader) error {
			n, err := loader.LoadResearchGroups(ctx, r)
			log.Printf("Stored research groups of %d patients", n)
			return err
		})
		if err != nil {
			return err
		}
	}

	filter := ingest.RelaxFilter{
		StudyStart:  a.cfg.GetStudyStart(),
		MaxDuration: a.cfg.GetMaxRelaxDuration(),
		Location:    a.cfg.Location(),
	}
	exports := []struct {
		path   string
		format ingest.RelaxFormat
	}{{*vrelax, ingest.FormatVRelax}, {*exercise, ingest.FormatExercise}}
	for _, x := range exports {
		if x.path == "" {
			continue
		}
		err := withFile(x.path, func(r io.Reader) error {
			_, err := loader.LoadRelaxSessions(ctx, r, x.format, lookup, filter)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *app) markInvalid(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mark-invalid", flag.ContinueOnError)
	workers := fs.Int("workers", a.cfg.GetWorkers(), "Patients processed concurrently")
	patients := fs.String("patients", "", "Comma separated patient ids (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	database, err := db.NewDB(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	ids, err := patientIDs(ctx, database, *patients)
	if err != nil {
		return err
	}

	runner := &batch.Runner{
		Open: func() (batch.Store, error) {
			d, err := db.OpenDB(a.dbPath)
			if err != nil {
				return nil, err
			}
			return d, nil
		},
		Workers:   *workers,
		Configure: a.configure,
		Runs:      database,
		Clock:     timeutil.RealClock{},
	}
	sum, err := runner.MarkInvalid(ctx, ids)
	if err != nil {
		return err
	}
	log.Printf("Run %s finished: %s", sum.RunID, sum)
	return nil
}

func (a *app) analyzeSessions(ctx context.Context, store stats.Store, ids []string) ([]stats.SessionStats, error) {
	sa := a.sessionAnalyzer(store)
	var out []stats.SessionStats
	skipped := stats.Skips{}
	for _, id := range ids {
		rows, skips, err := sa.AnalyzePatient(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		for reason, n := range skips {
			skipped[reason] += n
		}
	}
	log.Printf("Analysed %d relaxation sessions, skipped %v", len(out), skipped)
	return out, nil
}

func (a *app) analyzeWeeks(ctx context.Context, store stats.Store, ids []string) ([]stats.WeekStats, error) {
	wa := a.weekAnalyzer(store)
	var out []stats.WeekStats
	for _, id := range ids {
		weeks, err := wa.Analyze(ctx, id)
		if errors.Is(err, stats.ErrInsufficientCoverage) {
			log.Printf("Skipping weeks of %s: %v", id, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("patient %s: %w", id, err)
		}
		out = append(out, weeks...)
	}
	return out, nil
}

func (a *app) stats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	out := fs.String("out", "results", "Output directory")
	patients := fs.String("patients", "", "Comma separated patient ids (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	database, err := db.NewDB(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	ids, err := patientIDs(ctx, database, *patients)
	if err != nil {
		return err
	}
	sessions, err := a.analyzeSessions(ctx, database, ids)
	if err != nil {
		return err
	}
	weeks, err := a.analyzeWeeks(ctx, database, ids)
	if err != nil {
		return err
	}

	e := report.NewExporter(*out)
	for name, rows := range map[string][]report.Row{
		"session_stats":   report.SessionRows(sessions),
		"session_minutes": report.MinuteRows(sessions),
		"week_stats":      report.WeekRows(weeks),
	} {
		paths, err := e.Tables(name, rows)
		if err != nil {
			return err
		}
		log.Printf("Wrote %d rows to %s", len(rows), strings.Join(paths, ", "))
	}
	return nil
}

func (a *app) ttest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ttest", flag.ContinueOnError)
	typName := fs.String("type", "HR", "Stream type, or ACC for the accelerometer magnitude")
	metricName := fs.String("metric", string(stats.MetricMean), "Per-phase metric: mean, median, std or iqr")
	out := fs.String("out", "results", "Output directory")
	patients := fs.String("patients", "", "Comma separated patient ids (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	typ, err := parseStreamType(*typName)
	if err != nil {
		return err
	}
	metric := stats.Metric(*metricName)

	database, err := db.NewDB(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	ids, err := patientIDs(ctx, database, *patients)
	if err != nil {
		return err
	}
	rows, err := a.analyzeSessions(ctx, database, ids)
	if err != nil {
		return err
	}
	cs, err := stats.CompareArms(rows, typ, metric)
	if err != nil {
		return err
	}
	for _, c := range cs {
		fmt.Printf("%-24s n=%-4d t=%8.3f df=%6.1f p=%.4f p_bonferroni=%.4f\n",
			c.Label(), c.Test.N, c.Test.T, c.Test.DF, c.Test.P, c.Adjusted)
	}
	path, err := report.NewExporter(*out).Comparisons(fmt.Sprintf("ttest_%s_%s", typ, metric), typ, metric, cs)
	if err != nil {
		return err
	}
	log.Printf("Wrote %d comparisons to %s", len(cs), path)
	return nil
}

func (a *app) plot(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plot", flag.ContinueOnError)
	typName := fs.String("type", "HR", "Stream type of the box plot")
	metricName := fs.String("metric", string(stats.MetricMean), "Per-phase metric of the box plot")
	out := fs.String("out", "plots", "Output directory")
	patients := fs.String("patients", "", "Comma separated patient ids (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	typ, err := parseStreamType(*typName)
	if err != nil {
		return err
	}

	database, err := db.NewDB(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	ids, err := patientIDs(ctx, database, *patients)
	if err != nil {
		return err
	}

	e := report.NewExporter(*out)
	wa := a.weekAnalyzer(database)
	for _, id := range ids {
		weeks := map[measure.Week][]stats.DayCoverage{}
		for _, w := range stats.Weeks {
			days, err := wa.Coverage(ctx, id, w)
			if err != nil {
				return fmt.Errorf("patient %s: %w", id, err)
			}
			weeks[w] = days
		}
		path, err := e.Coverage(id, weeks)
		if err != nil {
			return err
		}
		log.Printf("Wrote %s", path)
	}

	rows, err := a.analyzeSessions(ctx, database, ids)
	if err != nil {
		return err
	}
	path, err := e.ArmBoxPlot(rows, typ, stats.Metric(*metricName))
	if err != nil {
		return err
	}
	log.Printf("Wrote %s", path)
	return nil
}

func (a *app) coverage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("coverage", flag.ContinueOnError)
	unit := fs.String("unit", a.cfg.GetCoverageUnit(), "Display unit: "+units.GetValidUnitsString())
	patients := fs.String("patients", "", "Comma separated patient ids (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !units.IsValid(*unit) {
		return fmt.Errorf("unit must be one of %s, got %q", units.GetValidUnitsString(), *unit)
	}

	database, err := db.OpenDB(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	ids, err := patientIDs(ctx, database, *patients)
	if err != nil {
		return err
	}
	wa := a.weekAnalyzer(database)
	for _, id := range ids {
		for _, w := range stats.Weeks {
			days, err := wa.Coverage(ctx, id, w)
			if err != nil {
				return fmt.Errorf("patient %s: %w", id, err)
			}
			printCoverage(os.Stdout, id, w, days, *unit)
		}
	}
	return nil
}

func printCoverage(w io.Writer, patientID string, week measure.Week, days []stats.DayCoverage, unit string) {
	var total float64
	for _, d := range days {
		v := units.ConvertDuration(d.Duration, unit)
		total += v
		fmt.Fprintf(w, "%s %s %s %.2f%s\n", patientID, week, d.Day.Format("2006-01-02"), v, unit)
	}
	fmt.Fprintf(w, "%s %s total %.2f%s\n", patientID, week, total, unit)
}

func (a *app) runs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 10, "Number of runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	database, err := db.OpenDB(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	runs, err := database.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		finished := "running"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Printf("%s %-12s %s %-10s groups=%d failed=%d invalid=%d/%d %s\n",
			r.ID, r.Kind, r.StartedAt.Format("2006-01-02 15:04:05"), finished,
			r.Groups, r.FailedGroups, r.InvalidSamples, r.TotalSamples, r.Version)
	}
	return nil
}
