package result

import (
	"fmt"
	"sync"

	"github.com/banshee-data/rfbench/internal/monitoring"
	"github.com/banshee-data/rfbench/internal/units"
)

var logf = monitoring.Tagged("result")

// HarmonicLevel relates one harmonic reading to its fundamental.
type HarmonicLevel struct {
	Group      string  `json:"group"`
	X          float64 `json:"x"`
	Multiplier float64 `json:"multiplier"`
	Power      float64 `json:"power"`
	// Relative is fundamental power minus harmonic power, in dB.
	Relative float64 `json:"relative"`
	Matched  bool    `json:"matched"`
}

// Snapshot is a point-in-time copy of an accumulator.
type Snapshot struct {
	Profile     string           `json:"profile"`
	Ready       bool             `json:"ready"`
	Columns     []string         `json:"columns"`
	Raw         []RawPoint       `json:"raw"`
	Processed   []ProcessedPoint `json:"processed"`
	Groups      []Group          `json:"groups"`
	Harmonics   []HarmonicLevel  `json:"harmonics,omitempty"`
	Current     []XY             `json:"current,omitempty"`
	Summary     []GroupSummary   `json:"summary,omitempty"`
	Slopes      []SlopeStep      `json:"slopes,omitempty"`
	Adjustments *AdjustmentTable `json:"adjustments,omitempty"`
}

// Accumulator collects raw points for one sweep and derives report rows from
// them. Points are processed as they arrive; Finalize computes whole-sweep
// aggregates and marks the result ready. All methods are safe for concurrent
// use: the sweep goroutine adds points while API readers take snapshots.
type Accumulator struct {
	profile Profile
	store   TemplateStore

	mu         sync.RWMutex
	params     Params
	adjust     *AdjustmentTable
	raw        []RawPoint
	processed  []ProcessedPoint
	groups     []Group
	groupIndex map[string]int
	harmonics  []HarmonicLevel
	current    []XY
	summary    []GroupSummary
	slopes     []SlopeStep
	ready      bool
}

// NewAccumulator returns an empty accumulator for profile. store may be nil,
// in which case templates live only in memory.
func NewAccumulator(profile Profile, store TemplateStore) *Accumulator {
	return &Accumulator{
		profile:    profile,
		store:      store,
		groupIndex: make(map[string]int),
	}
}

// Profile returns the accumulator's profile.
func (a *Accumulator) Profile() Profile {
	return a.profile
}

// SetParams sets the parameter snapshot used when deriving points.
func (a *Accumulator) SetParams(p Params) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params = p
}

// Clear empties the accumulator and reloads the persisted adjustment
// template. A failed reload leaves the accumulator empty with no template.
func (a *Accumulator) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.raw = nil
	a.processed = nil
	a.groups = nil
	a.groupIndex = make(map[string]int)
	a.harmonics = nil
	a.current = nil
	a.summary = nil
	a.slopes = nil
	a.ready = false
	a.adjust = nil

	if a.store == nil {
		return nil
	}
	t, err := a.store.LoadAdjustments(a.profile.Name)
	if err != nil {
		return fmt.Errorf("load %s adjustments: %w", a.profile.Name, err)
	}
	a.adjust = t
	if t != nil {
		logf("loaded %s adjustment template with %d coordinates", a.profile.Name, t.Len())
	}
	return nil
}

// Adjustments returns the active adjustment template, or nil.
func (a *Accumulator) Adjustments() *AdjustmentTable {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.adjust
}

// SetAdjustments replaces the active adjustment template without persisting it.
func (a *Accumulator) SetAdjustments(t *AdjustmentTable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.adjust = t
}

// AddPoint records a raw point and, for primary points, derives its report
// row and plot sample. The result is not ready until the next Finalize.
func (a *Accumulator) AddPoint(p RawPoint) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ready = false
	a.raw = append(a.raw, p)

	switch p.Kind {
	case KindPrimary, "":
		a.addPrimary(p)
	case KindCurrent:
		if c := a.profile.Current; c != nil {
			a.current = append(a.current, XY{X: p.Get(c.U), Y: units.Round(units.ToMilliamps(p.Get(c.I)), 2)})
		}
	}
}

func (a *Accumulator) addPrimary(p RawPoint) {
	var fields map[string]float64
	if a.profile.Derive != nil {
		fields = a.profile.Derive(p, a.paramsOrZero())
	} else {
		fields = make(map[string]float64, len(p.Values))
		for k, v := range p.Values {
			fields[k] = v
		}
	}

	groupKey := p.Get(a.profile.GroupKey)
	x := p.Get(a.profile.XKey)
	for _, f := range a.profile.AdjustFields {
		if _, ok := fields[f]; ok {
			fields[f] += a.adjust.Lookup(groupKey, x, f)
		}
	}
	for f, d := range a.profile.Rounding {
		if v, ok := fields[f]; ok {
			fields[f] = units.Round(v, d)
		}
	}

	label := GroupLabel(groupKey)
	a.processed = append(a.processed, ProcessedPoint{
		Index:  len(a.processed),
		Group:  label,
		Fields: fields,
	})

	i, ok := a.groupIndex[label]
	if !ok {
		a.groups = append(a.groups, Group{Label: label, Key: groupKey})
		i = len(a.groups) - 1
		a.groupIndex[label] = i
	}
	a.groups[i].Points = append(a.groups[i].Points, XY{
		X: fields[a.profile.PlotX],
		Y: fields[a.profile.PlotY],
	})
}

// harmonicLevels matches every harmonic reading to the fundamental measured
// at the same coordinate. Readings without a fundamental are kept unmatched.
func (a *Accumulator) harmonicLevels() []HarmonicLevel {
	h := a.profile.Harmonic
	if h == nil {
		return nil
	}
	fundamentals := make(map[string]float64)
	for _, r := range a.raw {
		if r.Kind == KindPrimary || r.Kind == "" {
			fundamentals[coordKey(r.Get(a.profile.GroupKey), r.Get(a.profile.XKey))] = r.Get(h.Fundamental)
		}
	}

	var out []HarmonicLevel
	for _, p := range a.raw {
		if p.Kind != KindHarmonic {
			continue
		}
		groupKey := p.Get(a.profile.GroupKey)
		x := p.Get(a.profile.XKey)
		level := HarmonicLevel{
			Group:      GroupLabel(groupKey),
			X:          x,
			Multiplier: p.Get(h.Multiplier),
			Power:      p.Get(h.Power),
		}
		if f, ok := fundamentals[coordKey(groupKey, x)]; ok {
			level.Relative = units.Round(f-level.Power, 2)
			level.Matched = true
		}
		out = append(out, level)
	}
	return out
}

func (a *Accumulator) paramsOrZero() Params {
	if a.params == nil {
		return zeroParams{}
	}
	return a.params
}

type zeroParams struct{}

func (zeroParams) Float(string) float64 { return 0 }

// Finalize computes whole-sweep aggregates and marks the result ready.
// Calling it again recomputes the same aggregates.
func (a *Accumulator) Finalize() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.summary = summarise(a.groups)
	a.harmonics = a.harmonicLevels()
	if a.profile.Slope != nil {
		a.slopes = slopes(a.processed, *a.profile.Slope)
		attachSlopeMeans(a.summary, a.slopes)
	}
	a.ready = true
	logf("%s result ready: %d points in %d groups", a.profile.Name, len(a.processed), len(a.groups))
}

// Ready reports whether Finalize has run since the last AddPoint or Clear.
func (a *Accumulator) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// Len returns the number of raw points recorded.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.raw)
}

// Raw returns a copy of the raw points.
func (a *Accumulator) Raw() []RawPoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]RawPoint, len(a.raw))
	copy(out, a.raw)
	return out
}

// Processed returns a copy of the report rows.
func (a *Accumulator) Processed() []ProcessedPoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyProcessed(a.processed)
}

// Groups returns a copy of the plot series in first-seen order.
func (a *Accumulator) Groups() []Group {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyGroups(a.groups)
}

// Snapshot returns a copy of everything the accumulator holds.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		Profile:     a.profile.Name,
		Ready:       a.ready,
		Columns:     append([]string(nil), a.profile.Columns...),
		Raw:         append([]RawPoint(nil), a.raw...),
		Processed:   copyProcessed(a.processed),
		Groups:      copyGroups(a.groups),
		Current:     append([]XY(nil), a.current...),
		Adjustments: a.adjust,
	}
	if a.ready {
		s.Summary = append([]GroupSummary(nil), a.summary...)
		s.Harmonics = append([]HarmonicLevel(nil), a.harmonics...)
		s.Slopes = append([]SlopeStep(nil), a.slopes...)
	}
	return s
}

// SaveAdjustmentTemplate persists the active adjustment template. When none
// is loaded, a template with zero corrections at every measured coordinate
// is created first.
func (a *Accumulator) SaveAdjustmentTemplate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.adjust == nil {
		t := NewAdjustmentTable(a.profile.AdjustFields)
		for _, p := range a.raw {
			if p.Kind != KindPrimary && p.Kind != "" {
				continue
			}
			g, x := p.Get(a.profile.GroupKey), p.Get(a.profile.XKey)
			for _, f := range a.profile.AdjustFields {
				t.Set(g, x, f, 0)
			}
		}
		a.adjust = t
	}
	if a.store == nil {
		return nil
	}
	if err := a.store.SaveAdjustments(a.profile.Name, a.adjust); err != nil {
		return fmt.Errorf("save %s adjustments: %w", a.profile.Name, err)
	}
	logf("saved %s adjustment template with %d coordinates", a.profile.Name, a.adjust.Len())
	return nil
}

func copyProcessed(in []ProcessedPoint) []ProcessedPoint {
	out := make([]ProcessedPoint, len(in))
	for i, p := range in {
		fields := make(map[string]float64, len(p.Fields))
		for k, v := range p.Fields {
			fields[k] = v
		}
		out[i] = ProcessedPoint{Index: p.Index, Group: p.Group, Fields: fields}
	}
	return out
}

func copyGroups(in []Group) []Group {
	out := make([]Group, len(in))
	for i, g := range in {
		out[i] = Group{Label: g.Label, Key: g.Key, Points: append([]XY(nil), g.Points...)}
	}
	return out
}

