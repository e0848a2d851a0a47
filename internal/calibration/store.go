package calibration

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/banshee-data/rfbench/internal/monitoring"
)

var logf = monitoring.Tagged("calibration")

// Repository persists calibration tables.
type Repository interface {
	// LoadCalibration returns nil, nil when no table was saved.
	LoadCalibration(kind Kind) (*Table, error)
	SaveCalibration(t *Table) error
}

// Store holds the active table of every kind. Measurement sweeps read it;
// a finished calibration sweep replaces one table wholesale.
type Store struct {
	repo Repository

	mu     sync.RWMutex
	tables map[Kind]*Table
}

// NewStore returns a store with empty tables. repo may be nil.
func NewStore(repo Repository) *Store {
	s := &Store{repo: repo, tables: make(map[Kind]*Table)}
	for _, k := range Kinds {
		s.tables[k] = NewTable(k)
	}
	return s
}

// Load reads every table from the repository. Kinds with nothing saved get
// an empty table.
func (s *Store) Load() error {
	if s.repo == nil {
		return nil
	}
	loaded := make(map[Kind]*Table, len(Kinds))
	for _, k := range Kinds {
		t, err := s.repo.LoadCalibration(k)
		if err != nil {
			return fmt.Errorf("load %s calibration: %w", k, err)
		}
		if t == nil {
			t = NewTable(k)
		}
		t.Kind = k
		loaded[k] = t
		logf("loaded %s calibration with %d points", k, t.Len())
	}
	s.mu.Lock()
	s.tables = loaded
	s.mu.Unlock()
	return nil
}

// Table returns the active table of a kind. The returned table must not be
// modified. A nil store has no tables.
func (s *Store) Table(kind Kind) *Table {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables[kind]
}

// Lookup returns the loss for a coordinate, or zero when the coordinate was
// never calibrated.
func (s *Store) Lookup(kind Kind, primary, secondary float64) float64 {
	return s.Table(kind).Loss(primary, secondary)
}

// Replace installs t as the active table of its kind and persists it.
// The in-memory table is replaced even when persisting fails.
func (s *Store) Replace(t *Table) error {
	if t == nil {
		return fmt.Errorf("replace calibration: nil table")
	}
	s.mu.Lock()
	s.tables[t.Kind] = t
	s.mu.Unlock()

	if s.repo == nil {
		return nil
	}
	if err := s.repo.SaveCalibration(t); err != nil {
		return fmt.Errorf("save %s calibration: %w", t.Kind, err)
	}
	logf("saved %s calibration with %d points", t.Kind, t.Len())
	return nil
}

// Summary reports the size of every table.
func (s *Store) Summary() map[Kind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Kind]int, len(s.tables))
	for k, t := range s.tables {
		out[k] = t.Len()
	}
	return out
}

// MemoryRepository keeps encoded tables in process.
type MemoryRepository struct {
	mu     sync.Mutex
	tables map[Kind][]byte
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tables: make(map[Kind][]byte)}
}

func (m *MemoryRepository) LoadCalibration(kind Kind) (*Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.tables[kind]
	if !ok {
		return nil, nil
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *MemoryRepository) SaveCalibration(t *Table) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[t.Kind] = data
	return nil
}
