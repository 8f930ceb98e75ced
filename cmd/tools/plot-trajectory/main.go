// Command plot-trajectory replays a trajectory through the simulator's
// resolver at a fixed step and plots the planned points against the
// simulated path and speed profile.
//
// Usage:
//
//	go run ./cmd/tools/plot-trajectory -in trajectory.json -out trajectory.png [flags]
//
// Flags:
//
//	-in      Trajectory message JSON (header + trajectory_point)
//	-out     Output PNG under the working or temp directory (default:
//	         trajectory.png); the speed plot is written next to it with a
//	         _speed suffix
//	-step    Replay step (default: 10ms)
//	-submit  Base URL of a running simcontrol; the trajectory is also sent there
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sim-control/internal/api"
	"github.com/banshee-data/sim-control/internal/httputil"
	"github.com/banshee-data/sim-control/internal/security"
	"github.com/banshee-data/sim-control/internal/simcontrol"
)

const maxTrajectoryFile = 16 << 20

// sample is one replayed cycle.
type sample struct {
	T     float64
	X, Y  float64
	Speed float64
}

func main() {
	in := flag.String("in", "", "Trajectory message JSON")
	out := flag.String("out", "trajectory.png", "Output PNG path")
	step := flag.Duration("step", 10*time.Millisecond, "Replay step")
	submit := flag.String("submit", "", "Base URL of a running simcontrol to send the trajectory to")
	flag.Parse()

	if *in == "" {
		log.Fatal("-in is required")
	}
	if *step <= 0 {
		log.Fatal("-step must be positive")
	}
	if err := security.ValidateOutputPath(*out); err != nil {
		log.Fatalf("Invalid -out: %v", err)
	}

	msg, err := loadTrajectory(*in)
	if err != nil {
		log.Fatalf("Failed to load trajectory: %v", err)
	}
	traj, err := msg.Trajectory()
	if err != nil {
		log.Fatalf("Invalid trajectory: %v", err)
	}

	samples, err := replay(traj, step.Seconds())
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
	log.Printf("Replayed %d points over %.3fs into %d samples", traj.Len(), traj.Duration(), len(samples))

	speedOut := speedPath(*out)
	if err := renderPath(traj, samples, *out); err != nil {
		log.Fatalf("Failed to render path: %v", err)
	}
	if err := renderSpeed(traj, samples, speedOut); err != nil {
		log.Fatalf("Failed to render speed: %v", err)
	}
	log.Printf("Wrote %s and %s", *out, speedOut)

	if *submit != "" {
		c := api.NewClient(httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second}), *submit)
		id, err := c.SetTrajectory(msg)
		if err != nil {
			log.Fatalf("Failed to submit trajectory: %v", err)
		}
		log.Printf("Submitted trajectory %s to %s", id, *submit)
	}
}

func loadTrajectory(path string) (*simcontrol.TrajectoryMessage, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxTrajectoryFile {
		return nil, fmt.Errorf("trajectory file too large: %d bytes (max %d)", info.Size(), maxTrajectoryFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msg simcontrol.TrajectoryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &msg, nil
}

// replay resolves the trajectory every step seconds from its first relative
// time up to and including the first exhausted sample.
func replay(traj *simcontrol.Trajectory, step float64) ([]sample, error) {
	start := traj.Point(0).RelativeTime
	n := int(math.Ceil(traj.Duration()/step)) + 1
	samples := make([]sample, 0, n)
	for i := 0; ; i++ {
		t := start + float64(i)*step
		p, exhausted, err := simcontrol.Resolve(traj, t)
		if err != nil {
			return nil, err
		}
		st := simcontrol.Synthesize(p)
		samples = append(samples, sample{T: t, X: st.Position.X, Y: st.Position.Y, Speed: st.Speed})
		if exhausted {
			return samples, nil
		}
	}
}

func speedPath(out string) string {
	ext := filepath.Ext(out)
	return strings.TrimSuffix(out, ext) + "_speed" + ext
}

func renderPath(traj *simcontrol.Trajectory, samples []sample, out string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Trajectory (%d points, %.2fs)", traj.Len(), traj.Duration())
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewGrid())

	planned := make(plotter.XYs, 0, traj.Len())
	for _, pt := range traj.Points() {
		planned = append(planned, plotter.XY{X: pt.X, Y: pt.Y})
	}
	simulated := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		simulated = append(simulated, plotter.XY{X: s.X, Y: s.Y})
	}

	path, err := plotter.NewLine(simulated)
	if err != nil {
		return err
	}
	path.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	path.Width = vg.Points(1)

	points, err := plotter.NewScatter(planned)
	if err != nil {
		return err
	}
	points.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	points.Radius = vg.Points(2)

	p.Add(path, points)
	p.Legend.Add("simulated", path)
	p.Legend.Add("planned", points)
	p.Legend.Top = true

	if err := p.Save(8*vg.Inch, 8*vg.Inch, out); err != nil {
		return fmt.Errorf("save path plot: %w", err)
	}
	return nil
}

func renderSpeed(traj *simcontrol.Trajectory, samples []sample, out string) error {
	p := plot.New()
	p.Title.Text = "Speed"
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = "v (m/s)"
	p.Add(plotter.NewGrid())

	planned := make(plotter.XYs, 0, traj.Len())
	for _, pt := range traj.Points() {
		planned = append(planned, plotter.XY{X: pt.RelativeTime, Y: pt.V})
	}
	simulated := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		simulated = append(simulated, plotter.XY{X: s.T, Y: s.Speed})
	}

	line, err := plotter.NewLine(simulated)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)

	points, err := plotter.NewScatter(planned)
	if err != nil {
		return err
	}
	points.Radius = vg.Points(2)

	p.Add(line, points)
	p.Legend.Add("simulated", line)
	p.Legend.Add("planned", points)
	p.Legend.Top = true

	if err := p.Save(14*vg.Inch, 6*vg.Inch, out); err != nil {
		return fmt.Errorf("save speed plot: %w", err)
	}
	return nil
}
