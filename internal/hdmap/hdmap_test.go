package hdmap

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sim-control/internal/simcontrol"
	"github.com/banshee-data/sim-control/internal/timeutil"
)

func testLanes() []Lane {
	return []Lane{
		// Eastbound straight lane along y = 0.
		{ID: "east", Points: [][2]float64{{0, 0}, {100, 0}}},
		// Northbound lane with a bend, offset 20 m east.
		{ID: "north", Points: [][2]float64{{120, -50}, {120, 0}, {130, 10}}},
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	t.Run("single point lane", func(t *testing.T) {
		t.Parallel()
		_, err := New([]Lane{{ID: "a", Points: [][2]float64{{0, 0}}}}, 5)
		assert.ErrorIs(t, err, ErrInvalidLane)
	})

	t.Run("zero length lane", func(t *testing.T) {
		t.Parallel()
		_, err := New([]Lane{{ID: "a", Points: [][2]float64{{1, 1}, {1, 1}}}}, 5)
		assert.ErrorIs(t, err, ErrInvalidLane)
	})

	t.Run("non-positive snap distance", func(t *testing.T) {
		t.Parallel()
		_, err := New(testLanes(), 0)
		assert.Error(t, err)
	})

	t.Run("empty map never snaps", func(t *testing.T) {
		t.Parallel()
		m, err := New(nil, 5)
		require.NoError(t, err)
		_, err = m.Project(0, 0)
		assert.ErrorIs(t, err, ErrNoLaneNearby)
	})
}

func TestProject(t *testing.T) {
	m, err := New(testLanes(), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, m.LaneCount())

	tests := []struct {
		name     string
		x, y     float64
		lane     string
		wantX    float64
		wantY    float64
		wantS    float64
		wantHead float64
		wantDist float64
	}{
		{"mid straight lane", 42.3, 1.5, "east", 42.3, 0, 42.3, 0, 1.5},
		{"below straight lane", 10.1, -3, "east", 10.1, 0, 10.1, 0, 3},
		{"before lane start clamps", -2, 0, "east", 0, 0, 0, 0, 2},
		{"northbound lane", 118, -20, "north", 120, -20, 30, math.Pi / 2, 2},
		{"diagonal segment", 126, 4, "north", 125, 5, 50 + 5*math.Sqrt2, math.Pi / 4, math.Sqrt2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := m.Project(tt.x, tt.y)
			require.NoError(t, err)
			assert.Equal(t, tt.lane, p.LaneID)
			assert.InDelta(t, tt.wantX, p.X, 1e-9)
			assert.InDelta(t, tt.wantY, p.Y, 1e-9)
			assert.InDelta(t, tt.wantS, p.S, 1e-9)
			assert.InDelta(t, tt.wantHead, p.Heading, 1e-9)
			assert.InDelta(t, tt.wantDist, p.Distance, 1e-9)
		})
	}
}

func TestProject_TooFar(t *testing.T) {
	m, err := New(testLanes(), 5)
	require.NoError(t, err)

	_, err = m.Project(50, 5.5)
	assert.ErrorIs(t, err, ErrNoLaneNearby)

	_, err = m.Project(-1000, -1000)
	assert.ErrorIs(t, err, ErrNoLaneNearby)
}

func TestSnap(t *testing.T) {
	m, err := New(testLanes(), 5)
	require.NoError(t, err)

	in := simcontrol.TrajectoryPoint{X: 20, Y: 0.8, Theta: 2.0, Kappa: 0.3, V: 4, A: 1, RelativeTime: 3}
	got, err := m.AdjustStartPoint(in)
	require.NoError(t, err)
	assert.InDelta(t, 20, got.X, 1e-9)
	assert.Zero(t, got.Y)
	assert.InDelta(t, 20, got.S, 1e-9)
	assert.Zero(t, got.Theta)
	assert.Zero(t, got.Kappa)
	assert.Equal(t, 4.0, got.V)
	assert.Equal(t, 1.0, got.A)
	assert.Equal(t, 3.0, got.RelativeTime)

	far := simcontrol.TrajectoryPoint{X: 500, Y: 500}
	got, err = m.Snap(far)
	assert.ErrorIs(t, err, ErrNoLaneNearby)
	assert.Equal(t, far, got)
}

func TestSnap_WiredIntoSimControl(t *testing.T) {
	m, err := New(testLanes(), 5)
	require.NoError(t, err)

	sc, err := simcontrol.New(simcontrol.DefaultConfig(), timeutil.NewMockClock(time.Unix(100, 0)), nil)
	require.NoError(t, err)
	sc.SetStartPointAdjuster(m)

	got, err := sc.SetStartPoint(simcontrol.TrajectoryPoint{X: 119, Y: -10})
	require.NoError(t, err)
	assert.InDelta(t, 120, got.X, 1e-9)
	assert.InDelta(t, -10, got.Y, 1e-9)
	assert.InDelta(t, math.Pi/2, got.Theta, 1e-9)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "map.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"lanes":[{"id":"l1","points":[[0,0],[10,0]]}]}`), 0o644))
	m, err := Load(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, m.LaneCount())

	p, err := m.Project(5, 1)
	require.NoError(t, err)
	assert.Equal(t, "l1", p.LaneID)

	_, err = Load(filepath.Join(dir, "map.yaml"), 2)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.json"), 2)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"lanes":`), 0o644))
	_, err = Load(bad, 2)
	assert.Error(t, err)
}
