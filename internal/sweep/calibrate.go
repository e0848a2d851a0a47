package sweep

import (
	"math"
	"time"

	"github.com/banshee-data/rfbench/internal/calibration"
	"github.com/banshee-data/rfbench/internal/instrument"
	"github.com/banshee-data/rfbench/internal/result"
	"github.com/banshee-data/rfbench/internal/units"
)

const calSettle = 300 * time.Millisecond

type calibrationSpec struct {
	kind  calibration.Kind
	gen   string
	freqs []float64 // table units
	scale float64   // table units to Hz
	power float64   // dBm
	span  float64   // Hz
}

// calibrationPlan measures the path from one generator to the analyzer with
// the sample unpowered. Each coordinate commands the generator, reads the
// marker at the commanded frequency and stores |commanded - read| in the
// returned table. The caller installs the table once the sweep succeeds.
func calibrationPlan(spec calibrationSpec) (*Plan, *calibration.Table, error) {
	table := calibration.NewTable(spec.kind)
	freqs := dedupe(spec.freqs)

	other := instrument.RoleGenRF
	if spec.gen == instrument.RoleGenRF {
		other = instrument.RoleGenLO
	}
	sa := instrument.RoleAnalyzer

	first := 0.0
	if len(freqs) > 0 {
		first = freqs[0]
	}

	plan := &Plan{
		Name: "calibrate " + string(spec.kind),
		Prepare: []Step{
			{Role: instrument.RoleSource, Command: "OUTP OFF"},
			{Role: other, Command: "OUTP:STAT OFF"},
			{Role: sa, Command: ":CAL:AUTO OFF"},
			{Role: sa, Command: ":CALC:MARK1:MODE POS"},
			{Role: sa, Command: ":SENS:FREQ:SPAN " + hz(spec.span) + "Hz"},
			{Role: spec.gen, Command: "SOUR:POW " + num(spec.power) + "dbm"},
			{Role: spec.gen, Command: "OUTP:STAT ON"},
		},
		Shutdown: safeShutdown(mixerRoles),
		Teardown: []Step{
			{Role: spec.gen, Command: "OUTP:STAT OFF"},
			{Role: spec.gen, Command: "SOUR:FREQ " + hz(first*spec.scale) + "Hz"},
			{Role: sa, Command: ":CAL:AUTO ON"},
		},
	}

	list := make([]Coord, len(freqs))
	for i, f := range freqs {
		list[i] = Coord{"f": f}
	}
	plan.Passes = []Pass{{
		Name:   string(spec.kind),
		Coords: coords(list),
		Point: func(r *Run, c Coord) error {
			f := c.Get("f")
			fHz := f * spec.scale
			if err := r.Do(
				Step{Role: spec.gen, Command: "SOUR:FREQ " + hz(fHz) + "Hz"},
				Step{Role: sa, Command: ":SENS:FREQ:CENT " + hz(fHz) + "Hz", Settle: calSettle},
				Step{Role: sa, Command: ":CALC:MARK1:MAX", Settle: calSettle},
			); err != nil {
				return err
			}
			read, err := r.QueryFloat(sa, ":CALC:MARK1:Y?")
			if err != nil {
				return err
			}
			loss := units.Round(math.Abs(spec.power-read), 3)
			table.Set(f, spec.power, loss)

			r.Emit(result.NewRawPoint(result.KindCalibration, map[string]float64{
				"f":    f,
				"p":    spec.power,
				"read": read,
				"loss": loss,
			}))
			return nil
		},
	}}
	return plan, table, nil
}

// dedupe drops repeated frequencies, keeping first-seen order.
func dedupe(values []float64) []float64 {
	seen := make(map[float64]bool, len(values))
	var out []float64
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
