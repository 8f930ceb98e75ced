package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/sim-control/internal/httputil"
	"github.com/banshee-data/sim-control/internal/units"
)

const (
	defaultChartSamples = 2000
	maxChartSamples     = 50000
)

// handleChart renders recorded speed and acceleration against time for a run.
// Query params:
//   - run_id (optional; defaults to the recorder's active run)
//   - limit (optional; default 2000) most recent samples to plot
//   - units (optional; mps, mph, kmph or kph) speed display units
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "state recording is disabled")
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" && s.recorder != nil {
		runID = s.recorder.RunID()
	}
	if runID == "" {
		httputil.NotFound(w, "no run to chart")
		return
	}

	limit := defaultChartSamples
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 || v > maxChartSamples {
			httputil.BadRequest(w, fmt.Sprintf("invalid 'limit' parameter (1-%d)", maxChartSamples))
			return
		}
		limit = v
	}

	unit, err := units.Parse(r.URL.Query().Get("units"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	samples, err := s.db.ListStates(runID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load samples: %v", err))
		return
	}
	if len(samples) == 0 {
		httputil.NotFound(w, "no samples recorded for run")
		return
	}

	t0 := samples[0].Timestamp
	x := make([]string, 0, len(samples))
	speed := make([]opts.LineData, 0, len(samples))
	accel := make([]opts.LineData, 0, len(samples))
	for _, smp := range samples {
		x = append(x, strconv.FormatFloat(smp.Timestamp-t0, 'f', 2, 64))
		speed = append(speed, opts.LineData{Value: units.ConvertSpeed(smp.Speed, unit)})
		accel = append(accel, opts.LineData{Value: smp.Accel})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sim Control", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Simulated Speed", Subtitle: fmt.Sprintf("run=%s samples=%d", runID, len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: units.Label(unit) + ", m/s²"}),
	)
	line.SetXAxis(x).
		AddSeries("speed", speed, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})).
		AddSeries("accel", accel, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	page := components.NewPage()
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
