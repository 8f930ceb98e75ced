package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/sim-control/internal/db"
	"github.com/banshee-data/sim-control/internal/httputil"
	"github.com/banshee-data/sim-control/internal/monitoring"
	"github.com/banshee-data/sim-control/internal/simcontrol"
	"github.com/banshee-data/sim-control/internal/statebus"
	"github.com/banshee-data/sim-control/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxRequestBody caps trajectory and start point uploads.
const maxRequestBody = 8 << 20

// Server exposes the simulator control surface over HTTP.
type Server struct {
	sim      *simcontrol.SimControl
	bus      *statebus.Bus
	db       *db.DB
	recorder *db.Recorder
}

// NewServer creates a Server. store and recorder may be nil when state
// recording is off; the chart endpoint then reports 404.
func NewServer(sim *simcontrol.SimControl, bus *statebus.Bus, store *db.DB, recorder *db.Recorder) *Server {
	return &Server{
		sim:      sim,
		bus:      bus,
		db:       store,
		recorder: recorder,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf("[%s] %s %s%s%s %vms", statusCodeColor(lrw.statusCode), r.Method, colorCyan, r.RequestURI, colorReset, float64(time.Since(start).Nanoseconds())/1e6)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sim/enable", s.handleEnable)
	mux.HandleFunc("/api/sim/disable", s.handleDisable)
	mux.HandleFunc("/api/sim/reset", s.handleReset)
	mux.HandleFunc("/api/sim/trajectory", s.handleTrajectory)
	mux.HandleFunc("/api/sim/start_point", s.handleStartPoint)
	mux.HandleFunc("/api/sim/status", s.handleStatus)
	mux.HandleFunc("/api/sim/state", s.handleState)
	mux.HandleFunc("/api/sim/chart", s.handleChart)
	mux.HandleFunc("/api/version", s.handleVersion)
	return mux
}

type stateResponse struct {
	State simcontrol.State `json:"state"`
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.sim.Enable()
	httputil.WriteJSONOK(w, stateResponse{State: s.sim.State()})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.sim.Disable()
	httputil.WriteJSONOK(w, stateResponse{State: s.sim.State()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.sim.Reset()
	httputil.WriteJSONOK(w, stateResponse{State: s.sim.State()})
}

type trajectoryResponse struct {
	TrajectoryID string `json:"trajectory_id"`
	PointCount   int    `json:"point_count"`
}

// handleTrajectory accepts a trajectory message and makes it active.
// Disabled simulators answer 409 so planners can tell "not now" apart from
// a malformed trajectory.
func (s *Server) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var msg simcontrol.TrajectoryMessage
	if err := httputil.DecodeJSON(w, r, maxRequestBody, &msg); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid trajectory: %v", err))
		return
	}

	id, err := s.sim.SetTrajectoryMessage(&msg)
	switch {
	case errors.Is(err, simcontrol.ErrDisabled):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, trajectoryResponse{
		TrajectoryID: id,
		PointCount:   len(msg.TrajectoryPoint),
	})
}

func (s *Server) handleStartPoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var p simcontrol.TrajectoryPoint
	if err := httputil.DecodeJSON(w, r, maxRequestBody, &p); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid start point: %v", err))
		return
	}
	stored, err := s.sim.SetStartPoint(p)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, stored)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.sim.Status())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	frame, ok := s.bus.Latest()
	if !ok {
		httputil.NotFound(w, "no state published yet")
		return
	}
	httputil.WriteJSONOK(w, frame)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
