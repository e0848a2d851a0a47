package result

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rfbench/internal/units"
)

// GroupSummary aggregates the plotted y values of one group.
type GroupSummary struct {
	Label  string  `json:"label"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	// SlopeMean is the mean per-step slope of the group, when a slope is
	// configured.
	SlopeMean float64 `json:"slope_mean,omitempty"`
}

// SlopeStep is the slope between two consecutive points of a group.
type SlopeStep struct {
	Group string  `json:"group"`
	X0    float64 `json:"x0"`
	X1    float64 `json:"x1"`
	Value float64 `json:"value"`
}

func summarise(groups []Group) []GroupSummary {
	out := make([]GroupSummary, 0, len(groups))
	for _, g := range groups {
		s := GroupSummary{Label: g.Label, Count: len(g.Points)}
		if len(g.Points) > 0 {
			ys := make([]float64, len(g.Points))
			for i, p := range g.Points {
				ys[i] = p.Y
			}
			s.Min = floats.Min(ys)
			s.Max = floats.Max(ys)
			if len(ys) > 1 {
				s.Mean, s.StdDev = stat.MeanStdDev(ys, nil)
			} else {
				s.Mean = ys[0]
			}
		}
		out = append(out, s)
	}
	return out
}

// slopes computes ΔY/ΔX between consecutive points of each group, in
// arrival order. Steps with no x movement are skipped.
func slopes(points []ProcessedPoint, spec SlopeSpec) []SlopeStep {
	var out []SlopeStep
	last := make(map[string]ProcessedPoint)
	for _, p := range points {
		prev, ok := last[p.Group]
		last[p.Group] = p
		if !ok {
			continue
		}
		dx := p.Fields[spec.X] - prev.Fields[spec.X]
		if dx == 0 || math.IsNaN(dx) {
			continue
		}
		dy := p.Fields[spec.Y] - prev.Fields[spec.Y]
		out = append(out, SlopeStep{
			Group: p.Group,
			X0:    prev.Fields[spec.X],
			X1:    p.Fields[spec.X],
			Value: units.Round(dy/dx, 3),
		})
	}
	return out
}

// attachSlopeMeans fills SlopeMean on each summary from its group's steps.
func attachSlopeMeans(summary []GroupSummary, steps []SlopeStep) {
	byGroup := make(map[string][]float64)
	for _, s := range steps {
		byGroup[s.Group] = append(byGroup[s.Group], s.Value)
	}
	for i := range summary {
		if vs := byGroup[summary[i].Label]; len(vs) > 0 {
			summary[i].SlopeMean = units.Round(stat.Mean(vs, nil), 3)
		}
	}
}
