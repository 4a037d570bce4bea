package report

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/stats"
)

// ArmValues collects one metric per phase and arm for a stream. Sessions
// missing the stream are left out.
func ArmValues(rows []stats.SessionStats, typ measure.Type, metric stats.Metric) (map[measure.Arm]map[stats.Phase][]float64, error) {
	out := map[measure.Arm]map[stats.Phase][]float64{}
	for _, r := range rows {
		ps, ok := r.Streams[typ]
		if !ok || r.Patient.Arm == "" {
			continue
		}
		byPhase, ok := out[r.Patient.Arm]
		if !ok {
			byPhase = map[stats.Phase][]float64{}
			out[r.Patient.Arm] = byPhase
		}
		for _, ph := range stats.Phases {
			s := ps.Get(ph)
			if s.N == 0 {
				continue
			}
			v, err := metric.Of(s)
			if err != nil {
				return nil, err
			}
			byPhase[ph] = append(byPhase[ph], v)
		}
	}
	return out, nil
}

func boxData(values []float64) opts.BoxPlotData {
	s := stats.Describe(values)
	return opts.BoxPlotData{Value: []float64{s.Min, s.Q1, s.Median, s.Q3, s.Max}}
}

// ArmBoxPlot builds a box plot of a metric per phase with one series per
// arm.
func ArmBoxPlot(rows []stats.SessionStats, typ measure.Type, metric stats.Metric) (*charts.BoxPlot, error) {
	values, err := ArmValues(rows, typ, metric)
	if err != nil {
		return nil, err
	}
	categories := make([]string, len(stats.Phases))
	for i, ph := range stats.Phases {
		categories[i] = string(ph)
	}

	bp := charts.NewBoxPlot()
	bp.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: fmt.Sprintf("%s %s", typ, metric), Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("%s %s per phase", typ, metric), Subtitle: fmt.Sprintf("sessions=%d", len(rows))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bp.SetXAxis(categories)
	for _, arm := range []measure.Arm{measure.ArmVR, measure.ArmExercise} {
		byPhase := values[arm]
		data := make([]opts.BoxPlotData, 0, len(stats.Phases))
		for _, ph := range stats.Phases {
			data = append(data, boxData(byPhase[ph]))
		}
		bp.AddSeries(string(arm), data)
	}
	return bp, nil
}

// WriteArmBoxPlotHTML renders the box plot page.
func WriteArmBoxPlotHTML(w io.Writer, bp *charts.BoxPlot) error {
	var buf bytes.Buffer
	if err := bp.Render(&buf); err != nil {
		return fmt.Errorf("failed to render box plot: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ArmBoxPlot writes boxplot_<type>_<metric>.html and returns its path.
func (e *Exporter) ArmBoxPlot(rows []stats.SessionStats, typ measure.Type, metric stats.Metric) (string, error) {
	bp, err := ArmBoxPlot(rows, typ, metric)
	if err != nil {
		return "", err
	}
	return e.create(fmt.Sprintf("boxplot_%s_%s", typ, metric), ".html", func(w io.Writer) error {
		return WriteArmBoxPlotHTML(w, bp)
	})
}
