package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownParameter is returned when a parameter name has no spec.
var ErrUnknownParameter = errors.New("unknown parameter")

// Kind is the value type of a parameter.
type Kind string

const (
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindString Kind = "string"
)

// Param describes one secondary parameter as shown on the parameter panel.
type Param struct {
	Name     string      `json:"name"`
	Label    string      `json:"label"`
	Kind     Kind        `json:"kind"`
	Min      float64     `json:"min,omitempty"`
	Max      float64     `json:"max,omitempty"`
	Step     float64     `json:"step,omitempty"`
	Decimals int         `json:"decimals,omitempty"`
	Suffix   string      `json:"suffix,omitempty"`
	Default  interface{} `json:"default"`
}

// ParameterSet is an ordered set of parameter specs with their current
// values. Values are materialized from the defaults on first access and may
// be replaced wholesale by a loaded snapshot. Keys without a spec are kept
// as-is.
type ParameterSet struct {
	mu     sync.RWMutex
	specs  []Param
	index  map[string]int
	values map[string]interface{}
}

// NewParameterSet builds a set from specs in display order. Later specs with
// a duplicate name replace earlier ones in place.
func NewParameterSet(specs ...Param) *ParameterSet {
	ps := &ParameterSet{index: make(map[string]int, len(specs))}
	for _, p := range specs {
		if i, ok := ps.index[p.Name]; ok {
			ps.specs[i] = p
			continue
		}
		ps.index[p.Name] = len(ps.specs)
		ps.specs = append(ps.specs, p)
	}
	return ps
}

// materialize fills values from defaults. Caller holds mu for writing.
func (ps *ParameterSet) materialize() {
	if ps.values != nil {
		return
	}
	ps.values = make(map[string]interface{}, len(ps.specs))
	for _, p := range ps.specs {
		ps.values[p.Name] = p.Default
	}
}

func (ps *ParameterSet) lookup(name string) (interface{}, bool) {
	ps.mu.RLock()
	if ps.values != nil {
		v, ok := ps.values[name]
		ps.mu.RUnlock()
		return v, ok
	}
	ps.mu.RUnlock()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.materialize()
	v, ok := ps.values[name]
	return v, ok
}

// Specs returns the parameter specs in display order.
func (ps *ParameterSet) Specs() []Param {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]Param, len(ps.specs))
	copy(out, ps.specs)
	return out
}

// Spec returns the spec for name.
func (ps *ParameterSet) Spec(name string) (Param, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	i, ok := ps.index[name]
	if !ok {
		return Param{}, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	return ps.specs[i], nil
}

// Decimals returns the display precision of a float parameter, or -1 if the
// parameter is unknown.
func (ps *ParameterSet) Decimals(name string) int {
	p, err := ps.Spec(name)
	if err != nil {
		return -1
	}
	return p.Decimals
}

// Values returns a copy of all current values, defaults included.
func (ps *ParameterSet) Values() map[string]interface{} {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.materialize()
	out := make(map[string]interface{}, len(ps.values))
	for k, v := range ps.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy sharing the same specs.
func (ps *ParameterSet) Clone() *ParameterSet {
	values := ps.Values()
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	c := &ParameterSet{
		specs:  make([]Param, len(ps.specs)),
		index:  make(map[string]int, len(ps.index)),
		values: values,
	}
	copy(c.specs, ps.specs)
	for k, v := range ps.index {
		c.index[k] = v
	}
	return c
}

// Set stores a single value. Unknown names are stored without validation;
// known float and bool parameters must hold a value of a compatible shape.
func (ps *ParameterSet) Set(name string, v interface{}) error {
	if p, err := ps.Spec(name); err == nil {
		switch p.Kind {
		case KindFloat:
			if _, ok := toFloat(v); !ok {
				return fmt.Errorf("parameter %q: expected number, got %T", name, v)
			}
		case KindBool:
			if _, ok := toBool(v); !ok {
				return fmt.Errorf("parameter %q: expected bool, got %T", name, v)
			}
		}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.materialize()
	ps.values[name] = v
	return nil
}

// Replace overrides the current values with snapshot wholesale. Keys the
// snapshot does not carry read back as their defaults.
func (ps *ParameterSet) Replace(snapshot map[string]interface{}) {
	values := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		values[k] = v
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.values = values
}

// Reset drops every override; the next access re-materializes defaults.
func (ps *ParameterSet) Reset() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.values = nil
}

func (ps *ParameterSet) defaultOf(name string) interface{} {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if i, ok := ps.index[name]; ok {
		return ps.specs[i].Default
	}
	return nil
}

// Float returns name as a float64. Values of an unexpected shape fall back
// to the spec default, then to zero.
func (ps *ParameterSet) Float(name string) float64 {
	if v, ok := ps.lookup(name); ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	f, _ := toFloat(ps.defaultOf(name))
	return f
}

// Bool returns name as a bool with the same fallback rules as Float.
func (ps *ParameterSet) Bool(name string) bool {
	if v, ok := ps.lookup(name); ok {
		if b, ok := toBool(v); ok {
			return b
		}
	}
	b, _ := toBool(ps.defaultOf(name))
	return b
}

// String returns name formatted as a string.
func (ps *ParameterSet) String(name string) string {
	v, ok := ps.lookup(name)
	if !ok || v == nil {
		v = ps.defaultOf(name)
	}
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v interface{}) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	case float64:
		return x != 0, true
	case int:
		return x != 0, true
	default:
		return false, false
	}
}

// LoadParameters reads a JSON snapshot from path and replaces the values of
// ps with it. The same file rules as LoadBenchConfig apply.
func LoadParameters(path string, ps *ParameterSet) error {
	data, err := readJSONFile(path)
	if err != nil {
		return err
	}

	var snapshot map[string]interface{}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to parse parameters JSON: %w", err)
	}
	if snapshot == nil {
		return fmt.Errorf("parameters file %s holds no object", path)
	}
	ps.Replace(snapshot)
	return nil
}

// Save writes the current values to path as indented JSON.
func (ps *ParameterSet) Save(path string) error {
	data, err := json.MarshalIndent(ps.Values(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write parameters: %w", err)
	}
	return nil
}
