package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/sim-control/internal/simcontrol"
)

// Run is one simulator process lifetime.
type Run struct {
	ID         string   `json:"run_id"`
	StartedAt  float64  `json:"started_at"`
	EndedAt    *float64 `json:"ended_at,omitempty"`
	ModuleName string   `json:"module_name"`
}

// TrajectoryRecord is an accepted trajectory as stored.
type TrajectoryRecord struct {
	ID                 string                       `json:"trajectory_id"`
	RunID              string                       `json:"run_id"`
	ReferenceTimestamp float64                      `json:"reference_timestamp"`
	PointCount         int                          `json:"point_count"`
	Duration           float64                      `json:"duration"`
	Points             []simcontrol.TrajectoryPoint `json:"points"`
	ReceivedAt         float64                      `json:"received_at"`
}

// StateSample is a recorded vehicle state.
type StateSample struct {
	RunID        string  `json:"run_id"`
	TrajectoryID string  `json:"trajectory_id,omitempty"`
	SequenceNum  uint64  `json:"sequence_num"`
	Timestamp    float64 `json:"timestamp"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Heading      float64 `json:"heading"`
	Speed        float64 `json:"speed"`
	Accel        float64 `json:"accel"`
	YawRate      float64 `json:"yaw_rate"`
	RunState     string  `json:"run_state"`
}

// InsertRun records the start of a run.
func (db *DB) InsertRun(run Run) error {
	_, err := db.Exec(
		`INSERT INTO sim_runs (run_id, started_at, module_name) VALUES (?, ?, ?)`,
		run.ID, run.StartedAt, run.ModuleName,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// EndRun stamps the end time of a run.
func (db *DB) EndRun(runID string, endedAt float64) error {
	res, err := db.Exec(`UPDATE sim_runs SET ended_at = ? WHERE run_id = ?`, endedAt, runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// ListRuns returns runs, newest first.
func (db *DB) ListRuns() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, started_at, ended_at, module_name FROM sim_runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var ended sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.StartedAt, &ended, &r.ModuleName); err != nil {
			return nil, err
		}
		if ended.Valid {
			r.EndedAt = &ended.Float64
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// InsertTrajectory stores an accepted trajectory and its points.
func (db *DB) InsertTrajectory(rec TrajectoryRecord) error {
	points, err := json.Marshal(rec.Points)
	if err != nil {
		return fmt.Errorf("encode trajectory points: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO sim_trajectories (
			trajectory_id, run_id, reference_timestamp, point_count, duration, points_json, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.ReferenceTimestamp, rec.PointCount, rec.Duration, string(points), rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trajectory: %w", err)
	}
	return nil
}

// ListTrajectories returns the trajectories accepted during a run, in the
// order they were received.
func (db *DB) ListTrajectories(runID string) ([]TrajectoryRecord, error) {
	rows, err := db.Query(
		`SELECT trajectory_id, run_id, reference_timestamp, point_count, duration, points_json, received_at
		FROM sim_trajectories WHERE run_id = ? ORDER BY received_at ASC, rowid ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrajectoryRecord
	for rows.Next() {
		var rec TrajectoryRecord
		var points string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.ReferenceTimestamp, &rec.PointCount,
			&rec.Duration, &points, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(points), &rec.Points); err != nil {
			return nil, fmt.Errorf("decode points of trajectory %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertState stores one state sample.
func (db *DB) InsertState(s StateSample) error {
	var trajectoryID interface{}
	if s.TrajectoryID != "" {
		trajectoryID = s.TrajectoryID
	}
	_, err := db.Exec(
		`INSERT INTO sim_states (
			run_id, trajectory_id, sequence_num, timestamp, x, y, heading, speed, accel, yaw_rate, run_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, trajectoryID, int64(s.SequenceNum), s.Timestamp, s.X, s.Y, s.Heading,
		s.Speed, s.Accel, s.YawRate, s.RunState,
	)
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

// ListStates returns the most recent limit samples of a run in time order.
// A limit of zero or less returns every sample.
func (db *DB) ListStates(runID string, limit int) ([]StateSample, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT run_id, trajectory_id, sequence_num, timestamp, x, y, heading, speed, accel, yaw_rate, run_state
		FROM (
			SELECT * FROM sim_states WHERE run_id = ? ORDER BY timestamp DESC, state_id DESC LIMIT ?
		) ORDER BY timestamp ASC, state_id ASC`,
		runID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateSample
	for rows.Next() {
		var s StateSample
		var trajectoryID sql.NullString
		var seq int64
		if err := rows.Scan(&s.RunID, &trajectoryID, &seq, &s.Timestamp, &s.X, &s.Y, &s.Heading,
			&s.Speed, &s.Accel, &s.YawRate, &s.RunState); err != nil {
			return nil, err
		}
		s.TrajectoryID = trajectoryID.String
		s.SequenceNum = uint64(seq)
		out = append(out, s)
	}
	return out, rows.Err()
}
