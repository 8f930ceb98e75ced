package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/sim-control/internal/httputil"
	"github.com/banshee-data/sim-control/internal/simcontrol"
	"github.com/banshee-data/sim-control/internal/testutil"
)

func TestClient_AgainstServer(t *testing.T) {
	env := setupTestServer(t, false)
	srv := httptest.NewServer(LoggingMiddleware(env.mux))
	defer srv.Close()

	c := NewClient(httputil.NewStandardClient(srv.Client()), srv.URL+"/")

	_, err := c.SetTrajectory(ptr(straightTrajectory(100)))
	var se *httputil.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while disabled, got %v", err)
	}

	state, err := c.Enable()
	testutil.AssertNoError(t, err)
	if state != simcontrol.StateAwaitingTrajectory {
		t.Errorf("state after enable = %s", state)
	}

	p, err := c.SetStartPoint(simcontrol.TrajectoryPoint{X: 1, Y: 2, Theta: 0.3})
	testutil.AssertNoError(t, err)
	if p.X != 1 || p.Y != 2 || p.V != 0.5 {
		t.Errorf("stored start point = %+v", p)
	}

	id, err := c.SetTrajectory(ptr(straightTrajectory(100)))
	testutil.AssertNoError(t, err)
	if _, active := env.sim.ActiveTrajectory(); id != active {
		t.Errorf("client id %q, active %q", id, active)
	}

	st, err := c.Status()
	testutil.AssertNoError(t, err)
	if st.TrajectoryID != id || st.State != simcontrol.StateRunning {
		t.Errorf("unexpected status %+v", st)
	}

	state, err = c.Disable()
	testutil.AssertNoError(t, err)
	if state != simcontrol.StateDisabled {
		t.Errorf("state after disable = %s", state)
	}
}

func TestClient_Requests(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusAccepted, `{"trajectory_id":"t-1","point_count":3}`)
	mock.AddResponse(http.StatusBadRequest, `{"error":"trajectory has no points"}`)

	c := NewClient(mock, "http://sim:8080")

	id, err := c.SetTrajectory(ptr(straightTrajectory(42)))
	testutil.AssertNoError(t, err)
	if id != "t-1" {
		t.Errorf("id = %q", id)
	}

	_, err = c.SetTrajectory(&simcontrol.TrajectoryMessage{})
	var se *httputil.StatusError
	if !errors.As(err, &se) || se.Message != "trajectory has no points" {
		t.Errorf("expected server message, got %v", err)
	}

	if mock.RequestCount() != 2 {
		t.Fatalf("got %d requests, want 2", mock.RequestCount())
	}
	if got := mock.Requests[0].URL.String(); got != "http://sim:8080/api/sim/trajectory" {
		t.Errorf("url = %s", got)
	}
	if mock.Bodies[0] == "" {
		t.Error("trajectory body not sent")
	}
}
