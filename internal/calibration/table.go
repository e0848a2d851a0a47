// Package calibration holds the loss tables produced by calibration sweeps
// and consulted by measurement sweeps.
package calibration

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind names a calibration table.
type Kind string

const (
	// KindLO is LO generator power flatness, keyed by frequency then power.
	KindLO Kind = "lo"
	// KindRF is RF path loss, keyed by frequency then power.
	KindRF Kind = "rf"
	// KindMod is modulation path loss, keyed by frequency only.
	KindMod Kind = "mod"
)

// Kinds lists every table kind in a stable order.
var Kinds = []Kind{KindLO, KindRF, KindMod}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown calibration kind %q (want lo, rf or mod)", s)
}

// Flat reports whether tables of this kind are keyed by frequency alone.
func (k Kind) Flat() bool {
	return k == KindMod
}

// Entry is one calibrated coordinate. Secondary is unused in flat tables.
type Entry struct {
	Primary   float64 `json:"primary"`
	Secondary float64 `json:"secondary,omitempty"`
	Loss      float64 `json:"loss"`
}

type key struct {
	primary, secondary int64
}

func makeKey(primary, secondary float64) key {
	return key{int64(math.Round(primary * 1e6)), int64(math.Round(secondary * 1e6))}
}

// Table maps coordinates to losses in dB. A table is either nested
// (primary, secondary) or flat (primary only); in a flat table the
// secondary coordinate is ignored. Missing coordinates read as zero loss.
//
// Tables are built by one calibration sweep and then only read, so Table
// does no locking of its own.
type Table struct {
	Kind    Kind    `json:"kind"`
	Entries []Entry `json:"entries"`

	index map[key]int
}

// NewTable returns an empty table of the given kind.
func NewTable(kind Kind) *Table {
	return &Table{Kind: kind, index: make(map[key]int)}
}

func (t *Table) keyFor(primary, secondary float64) key {
	if t.Kind.Flat() {
		secondary = 0
	}
	return makeKey(primary, secondary)
}

func (t *Table) reindex() {
	t.index = make(map[key]int, len(t.Entries))
	for i, e := range t.Entries {
		t.index[t.keyFor(e.Primary, e.Secondary)] = i
	}
}

// Set stores the loss for a coordinate, replacing any previous value.
func (t *Table) Set(primary, secondary, loss float64) {
	if t.index == nil {
		t.reindex()
	}
	if t.Kind.Flat() {
		secondary = 0
	}
	k := t.keyFor(primary, secondary)
	if i, ok := t.index[k]; ok {
		t.Entries[i].Loss = loss
		return
	}
	t.Entries = append(t.Entries, Entry{Primary: primary, Secondary: secondary, Loss: loss})
	t.index[k] = len(t.Entries) - 1
}

// Lookup returns the loss for a coordinate and whether it was calibrated.
func (t *Table) Lookup(primary, secondary float64) (float64, bool) {
	if t == nil {
		return 0, false
	}
	if t.index == nil {
		for _, e := range t.Entries {
			if t.keyFor(e.Primary, e.Secondary) == t.keyFor(primary, secondary) {
				return e.Loss, true
			}
		}
		return 0, false
	}
	i, ok := t.index[t.keyFor(primary, secondary)]
	if !ok {
		return 0, false
	}
	return t.Entries[i].Loss, true
}

// Loss returns the loss for a coordinate, or zero when it was never
// calibrated.
func (t *Table) Loss(primary, secondary float64) float64 {
	v, _ := t.Lookup(primary, secondary)
	return v
}

// Len returns the number of calibrated coordinates.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Entries)
}

// Nested returns the table as primary → secondary → loss.
func (t *Table) Nested() map[float64]map[float64]float64 {
	out := make(map[float64]map[float64]float64)
	if t == nil {
		return out
	}
	for _, e := range t.Entries {
		if out[e.Primary] == nil {
			out[e.Primary] = make(map[float64]float64)
		}
		out[e.Primary][e.Secondary] = e.Loss
	}
	return out
}

// Primaries returns the distinct primary coordinates in ascending order.
func (t *Table) Primaries() []float64 {
	if t == nil {
		return nil
	}
	seen := make(map[float64]bool)
	var out []float64
	for _, e := range t.Entries {
		if !seen[e.Primary] {
			seen[e.Primary] = true
			out = append(out, e.Primary)
		}
	}
	sort.Float64s(out)
	return out
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	c := &Table{Kind: t.Kind, Entries: append([]Entry(nil), t.Entries...)}
	c.reindex()
	return c
}

// UnmarshalJSON decodes a table and rebuilds its index.
func (t *Table) UnmarshalJSON(data []byte) error {
	type plain Table
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Table(p)
	t.reindex()
	return nil
}
