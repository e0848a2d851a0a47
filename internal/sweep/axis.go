// Package sweep runs measurement and calibration sweeps against a bench of
// instruments.
//
// A sweep is described by a Plan: setup steps, one or more passes over
// ordered coordinates, and the shutdown and teardown sequences. One Engine
// executes every plan, so device variants differ only in the plans they
// build.
package sweep

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/rfbench/internal/units"
)

// maxAxisValues bounds axis generation against runaway parameter values.
const maxAxisValues = 10000

// Axis is an inclusive range of setpoints.
type Axis struct {
	Name     string
	Start    float64
	Stop     float64
	Step     float64
	Decimals int
}

// Values generates the axis setpoints.
func (a Axis) Values() []float64 {
	return GenerateAxis(a.Start, a.Stop, a.Step, a.Decimals)
}

// Dimension returns the axis as a named dimension for Grid.
func (a Axis) Dimension() Dimension {
	return Dimension{Name: a.Name, Values: a.Values()}
}

// GenerateAxis returns start, start+step, ... up to and including stop,
// each rounded to decimals places. Stop is included when it lies within a
// thousandth of a step of a step boundary; a value past an off-grid stop is
// never generated. Values are computed from the index
// rather than by repeated addition so errors do not accumulate.
//
// Returns nil when step is not positive, start is past stop, or the axis
// would exceed maxAxisValues.
func GenerateAxis(start, stop, step float64, decimals int) []float64 {
	if step <= 0 || start > stop || math.IsNaN(start) || math.IsNaN(stop) {
		return nil
	}
	expected := int((stop-start)/step) + 1
	if expected > maxAxisValues || expected < 0 {
		return nil
	}

	eps := step / 1000
	var values []float64
	for i := 0; len(values) < maxAxisValues; i++ {
		v := start + float64(i)*step
		if v > stop+eps {
			break
		}
		values = append(values, units.Round(v, decimals))
	}
	return values
}

// ParseAxis parses "start:stop:step" into an Axis.
func ParseAxis(name, s string, decimals int) (Axis, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Axis{}, fmt.Errorf("invalid axis %q: expected start:stop:step", s)
	}
	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Axis{}, fmt.Errorf("invalid axis %q: %w", s, err)
		}
		vals[i] = v
	}
	if vals[2] <= 0 {
		return Axis{}, fmt.Errorf("axis step must be positive, got %g", vals[2])
	}
	return Axis{Name: name, Start: vals[0], Stop: vals[1], Step: vals[2], Decimals: decimals}, nil
}

// Dimension is a named, ordered list of values.
type Dimension struct {
	Name   string
	Values []float64
}

// Coord is one sweep coordinate: dimension name to value.
type Coord map[string]float64

// Get returns the named value, or zero.
func (c Coord) Get(name string) float64 {
	return c[name]
}

// Grid combines dimensions by nested iteration: the first dimension is the
// outermost loop. The order of the result is the order points are measured.
func Grid(dims ...Dimension) []Coord {
	if len(dims) == 0 {
		return nil
	}
	total := 1
	for _, d := range dims {
		total *= len(d.Values)
	}
	if total == 0 {
		return nil
	}

	out := make([]Coord, 0, total)
	idx := make([]int, len(dims))
	for {
		c := make(Coord, len(dims))
		for i, d := range dims {
			c[d.Name] = d.Values[idx[i]]
		}
		out = append(out, c)

		// Advance the innermost dimension first.
		i := len(dims) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(dims[i].Values) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return out
		}
	}
}

// NonZero drops zero values; a zero level disables that step of a list
// parameter.
func NonZero(values ...float64) []float64 {
	var out []float64
	for _, v := range values {
		if v != 0 {
			out = append(out, v)
		}
	}
	return out
}
