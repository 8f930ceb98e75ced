package api

import (
	"net/http"
	"strings"

	"github.com/banshee-data/sim-control/internal/httputil"
	"github.com/banshee-data/sim-control/internal/simcontrol"
)

// Client drives a remote simulator through its HTTP API.
type Client struct {
	http    httputil.HTTPClient
	baseURL string
}

// NewClient returns a Client for the API at baseURL (e.g. "http://localhost:8080").
func NewClient(c httputil.HTTPClient, baseURL string) *Client {
	return &Client{http: c, baseURL: strings.TrimRight(baseURL, "/")}
}

// Enable turns the simulation on and returns the resulting run state.
func (c *Client) Enable() (simcontrol.State, error) {
	var out stateResponse
	err := httputil.DoJSON(c.http, http.MethodPost, c.baseURL+"/api/sim/enable", nil, &out)
	return out.State, err
}

// Disable turns the simulation off.
func (c *Client) Disable() (simcontrol.State, error) {
	var out stateResponse
	err := httputil.DoJSON(c.http, http.MethodPost, c.baseURL+"/api/sim/disable", nil, &out)
	return out.State, err
}

// SetTrajectory uploads msg and returns the ID the simulator assigned.
func (c *Client) SetTrajectory(msg *simcontrol.TrajectoryMessage) (string, error) {
	var out trajectoryResponse
	if err := httputil.DoJSON(c.http, http.MethodPost, c.baseURL+"/api/sim/trajectory", msg, &out); err != nil {
		return "", err
	}
	return out.TrajectoryID, nil
}

// SetStartPoint parks the vehicle at p and returns the point as stored.
func (c *Client) SetStartPoint(p simcontrol.TrajectoryPoint) (simcontrol.TrajectoryPoint, error) {
	var out simcontrol.TrajectoryPoint
	err := httputil.DoJSON(c.http, http.MethodPost, c.baseURL+"/api/sim/start_point", p, &out)
	return out, err
}

// Status fetches the simulator status.
func (c *Client) Status() (simcontrol.Status, error) {
	var out simcontrol.Status
	err := httputil.DoJSON(c.http, http.MethodGet, c.baseURL+"/api/sim/status", nil, &out)
	return out, err
}
