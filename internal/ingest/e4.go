// Package ingest loads Empatica E4 exports, participant lists and
// relaxation-session logs into the study store.
package ingest

import (
	"archive/zip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/monitoring"
	"github.com/banshee-data/relax.report/internal/security"
)

// ErrUnsupported is returned for archive members that hold no measurement,
// such as tags.csv.
var ErrUnsupported = errors.New("unsupported e4 file")

// Recording is one channel of one E4 upload.
type Recording struct {
	Type  measure.Type
	Start time.Time
	// Rate is the sampling rate written in the file header; 0 for IBI.
	Rate    float64
	Samples []float64
	Beats   []measure.IBISample
}

// Len returns the number of samples or beats.
func (r Recording) Len() int {
	if r.Type.Irregular() {
		return len(r.Beats)
	}
	return len(r.Samples)
}

// fileTypes maps E4 member names to the channels they hold.
var fileTypes = map[string][]measure.Type{
	"ACC":  {measure.AccX, measure.AccY, measure.AccZ},
	"BVP":  {measure.BVP},
	"EDA":  {measure.EDA},
	"HR":   {measure.HR},
	"IBI":  {measure.IBI},
	"TEMP": {measure.TEMP},
}

// ParseE4CSV decodes one E4 CSV. The first row is the start time in unix
// seconds, repeated per column. Regular files carry the rate in the second
// row and one sample per column in the rest; ACC yields one recording per
// axis. IBI files have no rate row: every further row is offset,interval.
func ParseE4CSV(name string, r io.Reader) ([]Recording, error) {
	base := strings.ToUpper(strings.TrimSuffix(path.Base(name), path.Ext(name)))
	types, ok := fileTypes[base]
	if !ok || !strings.EqualFold(path.Ext(name), ".csv") {
		return nil, fmt.Errorf("%s: %w", name, ErrUnsupported)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%s: missing start time", name)
	}

	startSec, err := strconv.ParseFloat(rows[0][0], 64)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid start time %q: %w", name, rows[0][0], err)
	}
	whole, frac := math.Modf(startSec)
	start := time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()

	if types[0] == measure.IBI {
		beats, err := parseBeats(name, rows[1:])
		if err != nil {
			return nil, err
		}
		return []Recording{{Type: measure.IBI, Start: start, Beats: beats}}, nil
	}

	if len(rows) < 2 || len(rows[1]) == 0 {
		return nil, fmt.Errorf("%s: missing sample rate", name)
	}
	rate, err := strconv.ParseFloat(rows[1][0], 64)
	if err != nil || rate <= 0 {
		return nil, fmt.Errorf("%s: invalid sample rate %q", name, rows[1][0])
	}

	out := make([]Recording, len(types))
	for col, t := range types {
		out[col] = Recording{Type: t, Start: start, Rate: rate, Samples: make([]float64, 0, len(rows)-2)}
	}
	for i, row := range rows[2:] {
		if len(row) < len(types) {
			return nil, fmt.Errorf("%s: row %d has %d columns, want %d", name, i+3, len(row), len(types))
		}
		for col := range types {
			v, err := strconv.ParseFloat(row[col], 64)
			if err != nil {
				return nil, fmt.Errorf("%s: row %d: %w", name, i+3, err)
			}
			out[col].Samples = append(out[col].Samples, v)
		}
	}
	return out, nil
}

func parseBeats(name string, rows [][]string) ([]measure.IBISample, error) {
	beats := make([]measure.IBISample, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%s: row %d has %d columns, want 2", name, i+2, len(row))
		}
		offset, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d: %w", name, i+2, err)
		}
		interval, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d: %w", name, i+2, err)
		}
		beats = append(beats, measure.IBISample{Offset: offset, Interval: interval})
	}
	return beats, nil
}

// ReadArchive decodes every supported CSV of an E4 ZIP export. Unsupported
// members are logged and skipped.
func ReadArchive(zipPath string) ([]Recording, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}
	defer zr.Close()
	return readArchive(zipPath, &zr.Reader)
}

func readArchive(label string, zr *zip.Reader) ([]Recording, error) {
	var out []Recording
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := security.ValidateArchiveEntry(f.Name); err != nil {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		recs, err := readMember(f)
		if errors.Is(err, ErrUnsupported) {
			monitoring.Logf("Skipping unsupported file %s in %s", f.Name, label)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

func readMember(f *zip.File) ([]Recording, error) {
	if _, ok := fileTypes[strings.ToUpper(strings.TrimSuffix(f.Name, path.Ext(f.Name)))]; !ok {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrUnsupported)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ParseE4CSV(f.Name, rc)
}
