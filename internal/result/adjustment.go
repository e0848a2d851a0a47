package result

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
)

// AdjustmentEntry carries corrections for one sweep coordinate.
type AdjustmentEntry struct {
	Group  float64            `json:"group"`
	X      float64            `json:"x"`
	Values map[string]float64 `json:"values"`
}

// AdjustmentTable is a correction template keyed by sweep coordinate
// (group value, x value). Coordinates missing from the table read as zero
// correction, so a template saved for one sweep stays safe when the sweep
// parameters change.
type AdjustmentTable struct {
	Fields  []string          `json:"fields"`
	Entries []AdjustmentEntry `json:"entries"`

	index map[string]int
}

// NewAdjustmentTable builds a table with the given correction fields.
func NewAdjustmentTable(fields []string, entries ...AdjustmentEntry) *AdjustmentTable {
	t := &AdjustmentTable{Fields: append([]string(nil), fields...)}
	for _, e := range entries {
		for f, v := range e.Values {
			t.Set(e.Group, e.X, f, v)
		}
		if len(e.Values) == 0 {
			t.ensure(e.Group, e.X)
		}
	}
	return t
}

func coordKey(group, x float64) string {
	// Sweep axes are rounded to a few decimals, so six is exact enough.
	return fmt.Sprintf("%.6f|%.6f", round6(group), round6(x))
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func (t *AdjustmentTable) reindex() {
	t.index = make(map[string]int, len(t.Entries))
	for i, e := range t.Entries {
		t.index[coordKey(e.Group, e.X)] = i
	}
}

func (t *AdjustmentTable) ensure(group, x float64) *AdjustmentEntry {
	if t.index == nil {
		t.reindex()
	}
	k := coordKey(group, x)
	if i, ok := t.index[k]; ok {
		return &t.Entries[i]
	}
	t.Entries = append(t.Entries, AdjustmentEntry{Group: group, X: x, Values: map[string]float64{}})
	t.index[k] = len(t.Entries) - 1
	return &t.Entries[len(t.Entries)-1]
}

// Set stores a correction value for a coordinate.
func (t *AdjustmentTable) Set(group, x float64, field string, v float64) {
	e := t.ensure(group, x)
	if e.Values == nil {
		e.Values = map[string]float64{}
	}
	e.Values[field] = v
}

// Lookup returns the correction for a coordinate, or zero. It is safe on a
// nil table.
func (t *AdjustmentTable) Lookup(group, x float64, field string) float64 {
	if t == nil {
		return 0
	}
	if t.index != nil {
		if i, ok := t.index[coordKey(group, x)]; ok {
			return t.Entries[i].Values[field]
		}
		return 0
	}
	k := coordKey(group, x)
	for _, e := range t.Entries {
		if coordKey(e.Group, e.X) == k {
			return e.Values[field]
		}
	}
	return 0
}

// Len returns the number of coordinates in the table.
func (t *AdjustmentTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Entries)
}

// UnmarshalJSON decodes a table and rebuilds its index.
func (t *AdjustmentTable) UnmarshalJSON(data []byte) error {
	type plain AdjustmentTable
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = AdjustmentTable(p)
	t.reindex()
	return nil
}

// TemplateStore persists adjustment templates per profile.
type TemplateStore interface {
	// LoadAdjustments returns nil, nil when no template exists.
	LoadAdjustments(profile string) (*AdjustmentTable, error)
	SaveAdjustments(profile string, t *AdjustmentTable) error
	DeleteAdjustments(profile string) error
}

// MemoryTemplates is an in-process TemplateStore.
type MemoryTemplates struct {
	mu     sync.Mutex
	tables map[string][]byte
}

// NewMemoryTemplates returns an empty store.
func NewMemoryTemplates() *MemoryTemplates {
	return &MemoryTemplates{tables: make(map[string][]byte)}
}

// Tables are stored encoded so callers never share state with the store.
func (m *MemoryTemplates) LoadAdjustments(profile string) (*AdjustmentTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.tables[profile]
	if !ok {
		return nil, nil
	}
	var t AdjustmentTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *MemoryTemplates) SaveAdjustments(profile string, t *AdjustmentTable) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[profile] = data
	return nil
}

func (m *MemoryTemplates) DeleteAdjustments(profile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, profile)
	return nil
}
