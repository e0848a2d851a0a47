package sweep

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/rfbench/internal/calibration"
	"github.com/banshee-data/rfbench/internal/config"
	"github.com/banshee-data/rfbench/internal/instrument"
	"github.com/banshee-data/rfbench/internal/result"
)

// ErrUnsupportedCalibration is returned when a variant has no plan for the
// requested calibration kind.
var ErrUnsupportedCalibration = errors.New("calibration not supported for device")

// Env is the read-only state a plan consults while it runs.
type Env struct {
	Cal    *calibration.Store
	Adjust *result.AdjustmentTable
}

// Variant describes one kind of device under test. Variants are data: the
// same engine runs all of them.
type Variant struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Roles are the instruments the variant drives.
	Roles []string `json:"roles"`
	// Params returns fresh parameter specs with defaults.
	Params func() []config.Param `json:"-"`
	// Init resets the instruments; the session runs it when checking the
	// sample.
	Init []Step `json:"-"`
	// Build turns a parameter snapshot into a measurement plan.
	Build func(ps *config.ParameterSet, env Env) (*Plan, error) `json:"-"`
	// Calibrations lists the supported calibration kinds.
	Calibrations []calibration.Kind `json:"calibrations"`
	// Calibrate builds a calibration plan and the table it fills.
	Calibrate func(kind calibration.Kind, ps *config.ParameterSet) (*Plan, *calibration.Table, error) `json:"-"`
	// Profile derives report rows from the variant's raw points.
	Profile result.Profile `json:"-"`
}

// NewParameterSet returns a parameter set with the variant's defaults.
func (v *Variant) NewParameterSet() *config.ParameterSet {
	return config.NewParameterSet(v.Params()...)
}

// Supports reports whether the variant can run a calibration kind.
func (v *Variant) Supports(kind calibration.Kind) bool {
	for _, k := range v.Calibrations {
		if k == kind {
			return true
		}
	}
	return false
}

// CalibrationPlan builds the plan for kind, or ErrUnsupportedCalibration.
func (v *Variant) CalibrationPlan(kind calibration.Kind, ps *config.ParameterSet) (*Plan, *calibration.Table, error) {
	if !v.Supports(kind) || v.Calibrate == nil {
		return nil, nil, fmt.Errorf("%s: %w: %s", v.Name, ErrUnsupportedCalibration, kind)
	}
	return v.Calibrate(kind, ps)
}

// Registry holds the known variants.
type Registry struct {
	mu       sync.RWMutex
	variants map[string]*Variant
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{variants: make(map[string]*Variant)}
}

// DefaultRegistry returns a registry with the built-in variants.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(VCO())
	r.Register(Demodulator())
	r.Register(Modulator())
	return r
}

// Register adds v, replacing any variant with the same name.
func (r *Registry) Register(v *Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[v.Name] = v
}

// Get returns the named variant.
func (r *Registry) Get(name string) (*Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variants[name]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", name)
	}
	return v, nil
}

// Names lists the registered variant names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.variants))
	for n := range r.variants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Shutdown steps shared by every variant that powers the sample from the
// source and reads it with the analyzer.
func safeShutdown(roles []string) []Step {
	var steps []Step
	for _, role := range roles {
		switch role {
		case instrument.RoleSource:
			steps = append(steps, Step{Role: role, Command: "OUTP OFF"})
		case instrument.RoleGenLO, instrument.RoleGenRF:
			steps = append(steps, Step{Role: role, Command: "OUTP:STAT OFF"})
		}
	}
	for _, role := range roles {
		if role == instrument.RoleAnalyzer {
			steps = append(steps, Step{Role: role, Command: ":CAL:AUTO ON"})
		}
	}
	return steps
}
