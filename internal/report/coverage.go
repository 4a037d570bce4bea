package report

import (
	"fmt"
	"image/color"
	"io"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/stats"
)

var weekColors = map[measure.Week]color.Color{
	1: color.RGBA{R: 31, G: 119, B: 180, A: 255},
	2: color.RGBA{R: 255, G: 127, B: 14, A: 255},
}

// CoveragePlot draws valid wear hours per study day, one line per week.
func CoveragePlot(patientID string, weeks map[measure.Week][]stats.DayCoverage) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Valid wear time %s", patientID)
	p.X.Label.Text = "Day of week"
	p.Y.Label.Text = "Hours"
	p.Y.Min = 0
	p.Y.Max = 24
	p.Add(plotter.NewGrid())

	keys := make([]measure.Week, 0, len(weeks))
	for w := range weeks {
		keys = append(keys, w)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, w := range keys {
		days := weeks[w]
		if len(days) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(days))
		for i, d := range days {
			pts[i] = plotter.XY{X: float64(i + 1), Y: d.Duration.Hours()}
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to plot %s: %w", w, err)
		}
		c, ok := weekColors[w]
		if !ok {
			c = color.Black
		}
		line.Color = c
		line.Width = vg.Points(1)
		points.Color = c
		p.Add(line, points)
		p.Legend.Add(w.String(), line, points)
	}
	p.Legend.Top = true
	return p, nil
}

// WriteCoveragePNG renders a coverage plot as PNG.
func WriteCoveragePNG(w io.Writer, p *plot.Plot) error {
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// Coverage writes coverage_<patient>.png and returns its path.
func (e *Exporter) Coverage(patientID string, weeks map[measure.Week][]stats.DayCoverage) (string, error) {
	p, err := CoveragePlot(patientID, weeks)
	if err != nil {
		return "", err
	}
	return e.create("coverage_"+patientID, ".png", func(w io.Writer) error { return WriteCoveragePNG(w, p) })
}
