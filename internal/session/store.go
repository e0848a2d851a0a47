package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rfbench/internal/calibration"
	"github.com/banshee-data/rfbench/internal/db"
	"github.com/banshee-data/rfbench/internal/result"
)

// Store is everything the session persists. *db.DB implements it.
type Store interface {
	calibration.Repository
	result.TemplateStore

	LoadParameters(device string) (map[string]interface{}, error)
	SaveParameters(device string, values map[string]interface{}) error

	Addresses() (map[string]string, error)
	SaveAddress(role, address string) error

	CreateRun(run *db.MeasurementRun) error
	AppendRunPoint(runID string, seq int, p result.RawPoint) error
	FinishRun(runID, status string, points int, runErr error) error
}

var _ Store = (*db.DB)(nil)

// MemoryStore keeps session state in process, for headless runs and tests.
type MemoryStore struct {
	*calibration.MemoryRepository
	*result.MemoryTemplates

	mu        sync.Mutex
	params    map[string]map[string]interface{}
	addresses map[string]string
	runs      []*db.MeasurementRun
	points    map[string][]result.RawPoint
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryRepository: calibration.NewMemoryRepository(),
		MemoryTemplates:  result.NewMemoryTemplates(),
		params:           make(map[string]map[string]interface{}),
		addresses:        make(map[string]string),
		points:           make(map[string][]result.RawPoint),
	}
}

func (m *MemoryStore) LoadParameters(device string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyValues(m.params[device]), nil
}

func (m *MemoryStore) SaveParameters(device string, values map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[device] = copyValues(values)
	return nil
}

func (m *MemoryStore) Addresses() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.addresses))
	for k, v := range m.addresses {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SaveAddress(role, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addresses[role] = address
	return nil
}

func (m *MemoryStore) CreateRun(run *db.MeasurementRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().Unix()
	}
	run.Status = db.RunRunning
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *run
	m.runs = append(m.runs, &stored)
	return nil
}

func (m *MemoryStore) AppendRunPoint(runID string, seq int, p result.RawPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.points[runID]) != seq {
		return fmt.Errorf("run %s: point %d out of order", runID, seq)
	}
	m.points[runID] = append(m.points[runID], p)
	return nil
}

func (m *MemoryStore) FinishRun(runID, status string, points int, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == runID {
			r.Status, r.Points = status, points
			if runErr != nil {
				r.Error = runErr.Error()
			}
			r.FinishedAt = time.Now().Unix()
			return nil
		}
	}
	return fmt.Errorf("run %s not found", runID)
}

// Runs returns the recorded runs, oldest first.
func (m *MemoryStore) Runs() []db.MeasurementRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]db.MeasurementRun, len(m.runs))
	for i, r := range m.runs {
		out[i] = *r
	}
	return out
}

// ListRuns returns up to limit runs, newest first.
func (m *MemoryStore) ListRuns(limit int) ([]db.MeasurementRun, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.MeasurementRun
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.runs[i])
	}
	return out, nil
}

// GetRun returns the run with id, or nil.
func (m *MemoryStore) GetRun(runID string) (*db.MeasurementRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == runID {
			run := *r
			return &run, nil
		}
	}
	return nil, nil
}

// RunPoints returns the raw points recorded for a run.
func (m *MemoryStore) RunPoints(runID string) ([]result.RawPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]result.RawPoint(nil), m.points[runID]...), nil
}

func copyValues(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
