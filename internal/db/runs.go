package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rfbench/internal/result"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// MeasurementRun is one check, calibration or measurement invocation.
type MeasurementRun struct {
	ID         string                 `json:"run_id"`
	Device     string                 `json:"device"`
	Operation  string                 `json:"operation"`
	Status     string                 `json:"status"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Points     int                    `json:"points"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  int64                  `json:"started_at"`
	FinishedAt int64                  `json:"finished_at,omitempty"`
}

// CreateRun inserts run with status running. An empty ID is filled with a
// new UUID and a zero StartedAt with the current time.
func (db *DB) CreateRun(run *MeasurementRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().Unix()
	}
	run.Status = RunRunning

	var params interface{}
	if run.Params != nil {
		data, err := json.Marshal(run.Params)
		if err != nil {
			return fmt.Errorf("failed to encode run parameters: %w", err)
		}
		params = string(data)
	}

	_, err := db.Exec(`INSERT INTO measurement_runs (run_id, device, operation, status, params_json, started_at)
	          VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Device, run.Operation, run.Status, params, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// AppendRunPoint stores the seq-th raw point of a run.
func (db *DB) AppendRunPoint(runID string, seq int, p result.RawPoint) error {
	data, err := json.Marshal(p.Values)
	if err != nil {
		return fmt.Errorf("failed to encode raw point: %w", err)
	}
	_, err = db.Exec(`INSERT INTO run_points (run_id, seq, kind, values_json) VALUES (?, ?, ?, ?)`,
		runID, seq, string(p.Kind), string(data))
	if err != nil {
		return fmt.Errorf("failed to record raw point: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (db *DB) FinishRun(runID, status string, points int, runErr error) error {
	var msg interface{}
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := db.Exec(`UPDATE measurement_runs
	          SET status = ?, points = ?, error = ?, finished_at = ?
	          WHERE run_id = ?`,
		status, points, msg, time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

const runColumns = `run_id, device, operation, status, params_json, points, error, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*MeasurementRun, error) {
	var (
		r        MeasurementRun
		params   sql.NullString
		errText  sql.NullString
		finished sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Device, &r.Operation, &r.Status, &params, &r.Points,
		&errText, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &r.Params); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of run %s: %w", r.ID, err)
		}
	}
	r.Error = errText.String
	r.FinishedAt = finished.Int64
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]MeasurementRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+runColumns+`
	          FROM measurement_runs
	          ORDER BY started_at DESC, rowid DESC
	          LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []MeasurementRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns a run by ID, or nil when it does not exist.
func (db *DB) GetRun(id string) (*MeasurementRun, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM measurement_runs WHERE run_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// RunPoints returns the raw points of a run in emission order.
func (db *DB) RunPoints(id string) ([]result.RawPoint, error) {
	rows, err := db.Query(`SELECT kind, values_json FROM run_points WHERE run_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query run points: %w", err)
	}
	defer rows.Close()

	var points []result.RawPoint
	for rows.Next() {
		var kind, data string
		if err := rows.Scan(&kind, &data); err != nil {
			return nil, fmt.Errorf("failed to scan run point: %w", err)
		}
		values := make(map[string]float64)
		if err := json.Unmarshal([]byte(data), &values); err != nil {
			return nil, fmt.Errorf("failed to decode run point: %w", err)
		}
		points = append(points, result.RawPoint{Kind: result.Kind(kind), Values: values})
	}
	return points, rows.Err()
}

// DeleteRun removes a run and its points.
func (db *DB) DeleteRun(id string) error {
	if _, err := db.Exec(`DELETE FROM measurement_runs WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}
