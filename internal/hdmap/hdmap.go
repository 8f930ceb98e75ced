// Package hdmap holds a lane-level road map and snaps requested start points
// onto it.
//
// Lanes are polylines in the simulator's planar frame. Lookups go through a
// kd-tree over vertices resampled along each lane, followed by an exact
// projection onto the lane segments those vertices belong to.
package hdmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/sim-control/internal/simcontrol"
)

// maxMapFileSize caps map files read by Load.
const maxMapFileSize = 16 * 1024 * 1024

// sampleSpacing is the maximum distance between indexed vertices along a lane.
const sampleSpacing = 0.5

var (
	// ErrNoLaneNearby is returned when no lane lies within the snap distance.
	ErrNoLaneNearby = errors.New("no lane within snap distance")
	// ErrInvalidLane is returned for lanes with fewer than two distinct points.
	ErrInvalidLane = errors.New("invalid lane")
)

// Lane is a directed polyline of (x, y) points.
type Lane struct {
	ID     string       `json:"id"`
	Points [][2]float64 `json:"points"`
}

type mapFile struct {
	Lanes []Lane `json:"lanes"`
}

// Projection is the closest point on a lane to a query point.
type Projection struct {
	LaneID   string
	X, Y     float64
	Heading  float64 // lane direction at the projection, radians
	S        float64 // distance along the lane from its first point
	Distance float64 // from the query point
}

// Map is an immutable lane map. It is safe for concurrent use.
type Map struct {
	lanes   []Lane
	offsets [][]float64 // cumulative segment start distances per lane
	tree    *kdtree.Tree
	maxSnap float64
}

// New builds a map from lanes. maxSnapDistance bounds Snap.
func New(lanes []Lane, maxSnapDistance float64) (*Map, error) {
	if maxSnapDistance <= 0 {
		return nil, fmt.Errorf("max snap distance must be positive, got %v", maxSnapDistance)
	}
	m := &Map{maxSnap: maxSnapDistance}
	var verts vertices
	for li, lane := range lanes {
		if len(lane.Points) < 2 {
			return nil, fmt.Errorf("%w %q: need at least 2 points, got %d", ErrInvalidLane, lane.ID, len(lane.Points))
		}
		offsets := make([]float64, len(lane.Points)-1)
		s := 0.0
		for si := 0; si < len(lane.Points)-1; si++ {
			a, b := toVector(lane.Points[si]), toVector(lane.Points[si+1])
			length := b.Sub(a).Norm()
			if math.IsNaN(length) || math.IsInf(length, 0) {
				return nil, fmt.Errorf("%w %q: non-finite point at index %d", ErrInvalidLane, lane.ID, si)
			}
			offsets[si] = s
			s += length

			n := int(math.Ceil(length / sampleSpacing))
			if n < 1 {
				n = 1
			}
			for k := 0; k < n; k++ {
				p := a.Add(b.Sub(a).Mul(float64(k) / float64(n)))
				verts = append(verts, vertex{x: p.X, y: p.Y, lane: li, segment: si})
			}
		}
		if s == 0 {
			return nil, fmt.Errorf("%w %q: zero length", ErrInvalidLane, lane.ID)
		}
		last := lane.Points[len(lane.Points)-1]
		verts = append(verts, vertex{x: last[0], y: last[1], lane: li, segment: len(lane.Points) - 2})

		m.lanes = append(m.lanes, lane)
		m.offsets = append(m.offsets, offsets)
	}
	if len(verts) > 0 {
		m.tree = kdtree.New(verts, false)
	}
	return m, nil
}

// Load reads a JSON lane map: {"lanes": [{"id": "...", "points": [[x, y], ...]}]}.
func Load(path string, maxSnapDistance float64) (*Map, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		return nil, fmt.Errorf("map file must have .json extension, got %q", ext)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open map file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxMapFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read map file: %w", err)
	}
	if len(data) > maxMapFileSize {
		return nil, fmt.Errorf("map file too large (max %d bytes)", maxMapFileSize)
	}

	var mf mapFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse map file: %w", err)
	}
	return New(mf.Lanes, maxSnapDistance)
}

// LaneCount returns the number of lanes.
func (m *Map) LaneCount() int { return len(m.lanes) }

// Project returns the closest lane point to (x, y) within the snap distance.
func (m *Map) Project(x, y float64) (Projection, error) {
	if m.tree == nil {
		return Projection{}, ErrNoLaneNearby
	}

	// Every segment point within maxSnap of the query has a sampled vertex
	// within maxSnap + sampleSpacing/2.
	radius := m.maxSnap + sampleSpacing
	keeper := kdtree.NewDistKeeper(radius * radius)
	m.tree.NearestSet(keeper, vertex{x: x, y: y})

	q := r3.Vector{X: x, Y: y}
	best := Projection{Distance: math.Inf(1)}
	type segKey struct{ lane, segment int }
	seen := make(map[segKey]bool)
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		v := cd.Comparable.(vertex)
		key := segKey{v.lane, v.segment}
		if seen[key] {
			continue
		}
		seen[key] = true
		if p := m.projectSegment(q, v.lane, v.segment); p.Distance < best.Distance {
			best = p
		}
	}
	if best.Distance > m.maxSnap {
		return Projection{}, fmt.Errorf("%w: (%.3f, %.3f) max %.2fm", ErrNoLaneNearby, x, y, m.maxSnap)
	}
	return best, nil
}

func (m *Map) projectSegment(q r3.Vector, li, si int) Projection {
	lane := m.lanes[li]
	a, b := toVector(lane.Points[si]), toVector(lane.Points[si+1])
	ab := b.Sub(a)
	t := 0.0
	if l2 := ab.Dot(ab); l2 > 0 {
		t = math.Max(0, math.Min(1, q.Sub(a).Dot(ab)/l2))
	}
	foot := a.Add(ab.Mul(t))
	return Projection{
		LaneID:   lane.ID,
		X:        foot.X,
		Y:        foot.Y,
		Heading:  math.Atan2(ab.Y, ab.X),
		S:        m.offsets[li][si] + ab.Norm()*t,
		Distance: q.Sub(foot).Norm(),
	}
}

// Snap moves p onto the nearest lane and aligns its heading with the lane.
// Path length and curvature are taken from the lane; v, a and relative time
// are left to the caller.
func (m *Map) Snap(p simcontrol.TrajectoryPoint) (simcontrol.TrajectoryPoint, error) {
	proj, err := m.Project(p.X, p.Y)
	if err != nil {
		return p, err
	}
	p.X, p.Y = proj.X, proj.Y
	p.Theta = proj.Heading
	p.S = proj.S
	p.Kappa = 0
	return p, nil
}

// AdjustStartPoint implements simcontrol.StartPointAdjuster.
func (m *Map) AdjustStartPoint(p simcontrol.TrajectoryPoint) (simcontrol.TrajectoryPoint, error) {
	return m.Snap(p)
}

func toVector(p [2]float64) r3.Vector {
	return r3.Vector{X: p[0], Y: p[1]}
}

// vertex is a sampled lane point tagged with the segment it lies on.
type vertex struct {
	x, y    float64
	lane    int
	segment int
}

func (v vertex) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(vertex)
	if d == 0 {
		return v.x - q.x
	}
	return v.y - q.y
}

func (v vertex) Dims() int { return 2 }

// Distance returns the squared planar distance.
func (v vertex) Distance(c kdtree.Comparable) float64 {
	q := c.(vertex)
	dx, dy := v.x-q.x, v.y-q.y
	return dx*dx + dy*dy
}

type vertices []vertex

func (p vertices) Index(i int) kdtree.Comparable { return p[i] }
func (p vertices) Len() int                      { return len(p) }
func (p vertices) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p vertices) Pivot(d kdtree.Dim) int {
	return plane{vertices: p, Dim: d}.Pivot()
}

// plane sorts vertices along one dimension for median partitioning.
type plane struct {
	kdtree.Dim
	vertices
}

func (p plane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.vertices[i].x < p.vertices[j].x
	}
	return p.vertices[i].y < p.vertices[j].y
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.vertices = p.vertices[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.vertices[i], p.vertices[j] = p.vertices[j], p.vertices[i]
}
