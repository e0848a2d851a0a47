// Package result turns the stream of raw sweep points into report rows,
// plot series and whole-sweep aggregates.
package result

import (
	"sort"
	"strconv"
)

// Kind tags what produced a raw point.
type Kind string

const (
	KindPrimary     Kind = "primary"
	KindHarmonic    Kind = "harmonic"
	KindCurrent     Kind = "current"
	KindCalibration Kind = "calibration"
)

// RawPoint holds the commanded setpoints and instrument readings for one
// sweep coordinate. It is built once and never modified.
type RawPoint struct {
	Kind   Kind               `json:"kind"`
	Values map[string]float64 `json:"values"`
}

// NewRawPoint copies values into a new point.
func NewRawPoint(kind Kind, values map[string]float64) RawPoint {
	v := make(map[string]float64, len(values))
	for k, x := range values {
		v[k] = x
	}
	return RawPoint{Kind: kind, Values: v}
}

// Get returns the named value, or zero.
func (p RawPoint) Get(name string) float64 {
	return p.Values[name]
}

// Keys returns the value names in sorted order.
func (p RawPoint) Keys() []string {
	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ProcessedPoint is a report row derived from a primary RawPoint.
type ProcessedPoint struct {
	Index  int                `json:"index"`
	Group  string             `json:"group"`
	Fields map[string]float64 `json:"fields"`
}

// XY is one plotted sample.
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Group is a named plot series.
type Group struct {
	Label  string  `json:"label"`
	Key    float64 `json:"key"`
	Points []XY    `json:"points"`
}

// GroupLabel formats a group key the way series are labelled: the shortest
// decimal that round-trips, so 4.7 reads "4.7".
func GroupLabel(key float64) string {
	return strconv.FormatFloat(key, 'f', -1, 64)
}
