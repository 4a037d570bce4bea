// Package report renders analysis results: statistics tables as CSV and
// parquet, coverage plots as PNG and arm comparisons as HTML.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/banshee-data/relax.report/internal/fsutil"
	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/security"
	"github.com/banshee-data/relax.report/internal/stats"
)

// Row is one flattened summary: one stream of one relaxation or week in one
// phase.
type Row struct {
	PatientID string  `parquet:"name=patient_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Arm       string  `parquet:"name=arm, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Origin    string  `parquet:"name=origin, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	RelaxID   int64   `parquet:"name=relax_id, type=INT64"`
	Week      int32   `parquet:"name=week, type=INT32"`
	Start     string  `parquet:"name=start, type=BYTE_ARRAY, convertedtype=UTF8"`
	Moment    string  `parquet:"name=moment, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Type      string  `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Phase     string  `parquet:"name=phase, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	N         int64   `parquet:"name=n, type=INT64"`
	Mean      float64 `parquet:"name=mean, type=DOUBLE"`
	Std       float64 `parquet:"name=std, type=DOUBLE"`
	Median    float64 `parquet:"name=median, type=DOUBLE"`
	Min       float64 `parquet:"name=min, type=DOUBLE"`
	Max       float64 `parquet:"name=max, type=DOUBLE"`
	Q1        float64 `parquet:"name=q1, type=DOUBLE"`
	Q3        float64 `parquet:"name=q3, type=DOUBLE"`
	IQR       float64 `parquet:"name=iqr, type=DOUBLE"`
	// EDAValidPercent is only set on week rows.
	EDAValidPercent float64 `parquet:"name=eda_valid_percent, type=DOUBLE"`
	// Minute is only set on minute rows and counts from 1 within the phase.
	Minute int32 `parquet:"name=minute, type=INT32"`
	// Heart rate variability, set on IBI rows.
	MeanNN float64 `parquet:"name=mean_nn, type=DOUBLE"`
	SDNN   float64 `parquet:"name=sdnn, type=DOUBLE"`
	RMSSD  float64 `parquet:"name=rmssd, type=DOUBLE"`
	MeanHR float64 `parquet:"name=mean_hr, type=DOUBLE"`
	// Skin conductance level and responses, set on EDA rows.
	SCLMean          float64 `parquet:"name=scl_mean, type=DOUBLE"`
	SCRPeaks         int64   `parquet:"name=scr_peaks, type=INT64"`
	SCRPerMinute     float64 `parquet:"name=scr_per_minute, type=DOUBLE"`
	SCRAmplitudeMean float64 `parquet:"name=scr_amplitude_mean, type=DOUBLE"`
}

var header = []string{
	"patient_id", "arm", "origin", "relax_id", "week", "start", "moment", "type", "phase",
	"n", "mean", "std", "median", "min", "max", "q1", "q3", "iqr", "eda_valid_percent",
	"minute", "mean_nn", "sdnn", "rmssd", "mean_hr",
	"scl_mean", "scr_peaks", "scr_per_minute", "scr_amplitude_mean",
}

func newRow(s stats.Summary) Row {
	return Row{
		N: int64(s.N), Mean: s.Mean, Std: s.Std, Median: s.Median,
		Min: s.Min, Max: s.Max, Q1: s.Q1, Q3: s.Q3, IQR: s.IQR,
	}
}

func (r *Row) setHRV(h stats.HRV) {
	r.MeanNN, r.SDNN, r.RMSSD, r.MeanHR = h.MeanNN, h.SDNN, h.RMSSD, h.MeanHR
}

func (r *Row) setEDA(f stats.EDAFeatures) {
	r.SCLMean = f.SCL.Mean
	r.SCRPeaks = int64(f.Peaks)
	r.SCRPerMinute = f.PerMinute()
	r.SCRAmplitudeMean = f.Amplitude.Mean
}

func sessionRow(st stats.SessionStats, typ measure.Type, ph stats.Phase, s stats.Summary) Row {
	r := newRow(s)
	r.PatientID = st.Relax.PatientID
	r.Arm = string(st.Patient.Arm)
	r.Origin = string(st.Patient.Origin)
	r.RelaxID = st.Relax.ID
	r.Start = st.Relax.Start.UTC().Format(time.RFC3339)
	r.Moment = string(st.Moment)
	r.Type = string(typ)
	r.Phase = string(ph)
	return r
}

// SessionRows flattens relaxation session statistics, one row per stream
// and phase.
func SessionRows(sessions []stats.SessionStats) []Row {
	var out []Row
	for _, st := range sessions {
		for _, typ := range st.Types() {
			ps := st.Streams[typ]
			for _, ph := range stats.Phases {
				r := sessionRow(st, typ, ph, ps.Get(ph))
				switch typ {
				case measure.IBI:
					r.setHRV(st.HRV.Get(ph))
				case measure.EDA:
					r.setEDA(st.EDA.Get(ph))
				}
				out = append(out, r)
			}
		}
	}
	return out
}

// MinuteRows flattens the minute slices of relaxation sessions, one row per
// stream and minute.
func MinuteRows(sessions []stats.SessionStats) []Row {
	var out []Row
	for _, st := range sessions {
		types := st.Types()
		for _, ms := range st.Minutes {
			for _, typ := range types {
				s, ok := ms.Streams[typ]
				if !ok {
					continue
				}
				r := sessionRow(st, typ, ms.Phase, s)
				r.Minute = int32(ms.Minute)
				if typ == measure.IBI {
					r.setHRV(ms.HRV)
				}
				out = append(out, r)
			}
		}
	}
	return out
}

// WeekRows flattens week statistics, one row per stream and week.
func WeekRows(weeks []stats.WeekStats) []Row {
	var out []Row
	for _, w := range weeks {
		for _, typ := range stats.WeekTypes {
			s, ok := w.Streams[typ]
			if !ok {
				continue
			}
			r := newRow(s)
			r.PatientID = w.PatientID
			r.Week = int32(w.Week)
			r.Type = string(typ)
			r.Phase = w.Week.String()
			if typ == measure.EDA {
				r.EDAValidPercent = w.EDAValidPercent
				r.setEDA(w.EDA)
			}
			out = append(out, r)
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (r Row) record() []string {
	return []string{
		r.PatientID, r.Arm, r.Origin, strconv.FormatInt(r.RelaxID, 10), strconv.Itoa(int(r.Week)),
		r.Start, r.Moment, r.Type, r.Phase, strconv.FormatInt(r.N, 10),
		formatFloat(r.Mean), formatFloat(r.Std), formatFloat(r.Median), formatFloat(r.Min),
		formatFloat(r.Max), formatFloat(r.Q1), formatFloat(r.Q3), formatFloat(r.IQR),
		formatFloat(r.EDAValidPercent), strconv.Itoa(int(r.Minute)),
		formatFloat(r.MeanNN), formatFloat(r.SDNN), formatFloat(r.RMSSD), formatFloat(r.MeanHR),
		formatFloat(r.SCLMean), strconv.FormatInt(r.SCRPeaks, 10), formatFloat(r.SCRPerMinute),
		formatFloat(r.SCRAmplitudeMean),
	}
}

// WriteCSV writes rows ';' separated with a header line.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteParquet writes rows as a SNAPPY compressed parquet file.
func WriteParquet(w io.Writer, rows []Row) error {
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(w), new(Row), 4)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("failed to write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return nil
}

// Exporter writes report files below Dir.
type Exporter struct {
	FS  fsutil.FileSystem
	Dir string
}

// NewExporter returns an exporter writing to dir on the real filesystem.
func NewExporter(dir string) *Exporter {
	return &Exporter{FS: fsutil.OSFileSystem{}, Dir: dir}
}

func (e *Exporter) path(name, ext string) (string, error) {
	if err := e.FS.MkdirAll(e.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", e.Dir, err)
	}
	return filepath.Join(e.Dir, security.SanitizeFilename(name)+ext), nil
}

func (e *Exporter) create(name, ext string, write func(io.Writer) error) (string, error) {
	p, err := e.path(name, ext)
	if err != nil {
		return "", err
	}
	f, err := e.FS.Create(p)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", p, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", p, err)
	}
	return p, nil
}

// Tables writes rows as name.csv and name.parquet and returns both paths.
func (e *Exporter) Tables(name string, rows []Row) ([]string, error) {
	csvPath, err := e.create(name, ".csv", func(w io.Writer) error { return WriteCSV(w, rows) })
	if err != nil {
		return nil, err
	}
	pqPath, err := e.create(name, ".parquet", func(w io.Writer) error { return WriteParquet(w, rows) })
	if err != nil {
		return nil, err
	}
	return []string{csvPath, pqPath}, nil
}

// Comparisons writes t test results as name.csv.
func (e *Exporter) Comparisons(name string, typ measure.Type, metric stats.Metric, cs []stats.Comparison) (string, error) {
	return e.create(name, ".csv", func(w io.Writer) error {
		cw := csv.NewWriter(w)
		cw.Comma = ';'
		if err := cw.Write([]string{"type", "metric", "comparison", "n", "t", "df", "p", "p_bonferroni"}); err != nil {
			return err
		}
		for _, c := range cs {
			rec := []string{
				string(typ), string(metric), c.Label(), strconv.Itoa(c.Test.N),
				formatFloat(c.Test.T), formatFloat(c.Test.DF), formatFloat(c.Test.P), formatFloat(c.Adjusted),
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}
