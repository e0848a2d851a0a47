package sweep

import (
	"time"

	"github.com/banshee-data/rfbench/internal/config"
	"github.com/banshee-data/rfbench/internal/instrument"
	"github.com/banshee-data/rfbench/internal/result"
	"github.com/banshee-data/rfbench/internal/units"
)

// VCO adjustment fields: analyzer display offsets applied per coordinate,
// in MHz and dB.
const (
	FieldFreqOffs = "freq_offs"
	FieldPowOffs  = "pow_offs"
)

const (
	vcoSettleApply    = 1 * time.Second
	vcoSettleWindow   = 400 * time.Millisecond
	vcoSettleFirst    = 2 * time.Second
	vcoSettleRepeak   = 1 * time.Second
	vcoSettleHarmBias = 1500 * time.Millisecond
	vcoSettleHarm     = 300 * time.Millisecond
)

var vcoRoles = []string{instrument.RoleAnalyzer, instrument.RoleSource}

func vcoParams() []config.Param {
	return []config.Param{
		floatParam("u_src_drift_1", "Supply voltage 1", 0, 6, 0.1, 2, " V", 4.7),
		floatParam("u_src_drift_2", "Supply voltage 2", 0, 6, 0.1, 2, " V", 5.0),
		floatParam("u_src_drift_3", "Supply voltage 3", 0, 6, 0.1, 2, " V", 5.3),
		floatParam("i_src_max", "Supply current limit", 0, 200, 1, 2, " mA", 50),
		floatParam("u_vco_min", "Control voltage min", 0, 30, 0.5, 2, " V", 0),
		floatParam("u_vco_max", "Control voltage max", 0, 30, 0.5, 2, " V", 10),
		floatParam("u_vco_delta", "Control voltage step", 0.01, 30, 0.5, 2, " V", 1),
		floatParam("i_tune_max", "Control current limit", 0, 100, 1, 2, " mA", 10),
		floatParam("sa_min", "Analyzer start", 0, 26.5, 0.1, 3, " GHz", 0.5),
		floatParam("sa_max", "Analyzer stop", 0, 26.5, 0.1, 3, " GHz", 4),
		floatParam("sa_rlev", "Analyzer reference level", -100, 30, 1, 1, " dB", 10),
		floatParam("sa_span", "Harmonic span", 0.1, 1000, 1, 1, " MHz", 50),
		boolParam("measure_harmonics", "Measure harmonics", true),
	}
}

// VCO is the voltage-controlled oscillator variant: a tuning sweep of
// control voltage at each supply level, then harmonic passes at 2× and 3×
// the measured fundamental.
func VCO() *Variant {
	return &Variant{
		Name:        "vco",
		Description: "Voltage-controlled oscillator tuning and harmonics",
		Roles:       vcoRoles,
		Params:      vcoParams,
		Init: []Step{
			{Role: instrument.RoleSource, Command: "*RST"},
			{Role: instrument.RoleSource, Command: "OUTP OFF"},
			{Role: instrument.RoleAnalyzer, Command: "*RST"},
		},
		Build:   buildVCO,
		Profile: vcoProfile(),
	}
}

type vcoSettings struct {
	drift       []float64
	control     Axis
	iSrc, iTune float64
	start, stop float64
	rlev, span  float64
	harmonics   bool
	adjust      *result.AdjustmentTable
}

func buildVCO(ps *config.ParameterSet, env Env) (*Plan, error) {
	s := vcoSettings{
		drift:     NonZero(ps.Float("u_src_drift_1"), ps.Float("u_src_drift_2"), ps.Float("u_src_drift_3")),
		control:   axisParam(ps, "u_control", "u_vco_min", "u_vco_max", "u_vco_delta"),
		iSrc:      ps.Float("i_src_max") * units.Milli,
		iTune:     ps.Float("i_tune_max") * units.Milli,
		start:     ps.Float("sa_min") * units.Giga,
		stop:      ps.Float("sa_max") * units.Giga,
		rlev:      ps.Float("sa_rlev"),
		span:      ps.Float("sa_span") * units.Mega,
		harmonics: ps.Bool("measure_harmonics"),
		adjust:    env.Adjust,
	}

	firstDrift, firstControl := 0.0, ps.Float("u_vco_min")
	if len(s.drift) > 0 {
		firstDrift = s.drift[0]
	}

	src, sa := instrument.RoleSource, instrument.RoleAnalyzer
	plan := &Plan{
		Name: "vco",
		Prepare: []Step{
			{Role: src, Command: "APPLY p6v," + num(firstDrift) + "V," + num(s.iSrc) + "A"},
			{Role: src, Command: "APPLY p25v," + num(firstControl) + "V," + num(s.iTune) + "A"},
			{Role: sa, Command: "DISP:WIND:TRAC:Y:RLEV " + num(s.rlev)},
			{Role: sa, Command: ":SENS:FREQ:STAR " + hz(s.start) + "Hz"},
			{Role: sa, Command: ":SENS:FREQ:STOP " + hz(s.stop) + "Hz"},
			{Role: sa, Command: ":CAL:AUTO OFF"},
			{Role: sa, Command: ":CALC:MARK1:MODE POS"},
			{Role: src, Command: "OUTP ON"},
		},
		Shutdown: safeShutdown(vcoRoles),
		Teardown: []Step{
			{Role: src, Command: "OUTP OFF"},
			{Role: sa, Command: ":CAL:AUTO ON"},
		},
	}

	grid := Grid(Dimension{Name: "u_src", Values: s.drift}, s.control.Dimension())
	plan.Passes = append(plan.Passes, Pass{
		Name:   "tune",
		Coords: coords(grid),
		Point:  s.tunePoint,
	})
	if s.harmonics {
		for _, level := range dedupe(s.drift) {
			for _, mult := range []float64{2, 3} {
				plan.Passes = append(plan.Passes, Pass{
					Name:   "harmonic " + num(level) + "V x" + num(mult),
					Coords: harmonicCoords(level, mult),
					Begin: func(r *Run) error {
						return r.Send(sa, ":SENS:FREQ:SPAN "+hz(s.span)+"Hz")
					},
					Point: s.harmonicPoint,
				})
			}
		}
	}
	return plan, nil
}

func (s *vcoSettings) applyBias(r *Run, uSrc, uControl float64) error {
	if err := r.Send(instrument.RoleSource, "APPLY p6v,"+num(uSrc)+"V,"+num(s.iSrc)+"A"); err != nil {
		return err
	}
	return r.Send(instrument.RoleSource, "APPLY p25v,"+num(uControl)+"V,"+num(s.iTune)+"A")
}

func (s *vcoSettings) tunePoint(r *Run, c Coord) error {
	sa := instrument.RoleAnalyzer
	uSrc, uControl := c.Get("u_src"), c.Get("u_control")

	if err := s.applyBias(r, uSrc, uControl); err != nil {
		return err
	}
	r.Settle(vcoSettleApply)

	xOffs := s.adjust.Lookup(uSrc, uControl, FieldFreqOffs) * units.Mega
	yOffs := s.adjust.Lookup(uSrc, uControl, FieldPowOffs)
	if err := r.Do(
		Step{Role: sa, Command: "DISP:WIND:TRAC:X:OFFS " + hz(xOffs) + "Hz"},
		Step{Role: sa, Command: "DISP:WIND:TRAC:Y:RLEV:OFFS " + num(yOffs) + "db"},
		Step{Role: sa, Command: ":SENS:FREQ:STAR " + hz(s.start) + "Hz"},
		Step{Role: sa, Command: ":SENS:FREQ:STOP " + hz(s.stop) + "Hz", Settle: vcoSettleWindow},
		Step{Role: sa, Command: ":CALC:MARK1:MAX"},
	); err != nil {
		return err
	}
	// The first peak search of a sweep needs longer to converge.
	if r.First() {
		r.Settle(vcoSettleFirst + vcoSettleWindow)
		if err := r.Send(sa, ":CALC:MARK1:MAX"); err != nil {
			return err
		}
		r.Settle(vcoSettleRepeak)
	} else {
		r.Settle(vcoSettleWindow)
	}

	readF, err := r.QueryFloat(sa, ":CALC:MARK1:X?")
	if err != nil {
		return err
	}
	readP, err := r.QueryFloat(sa, ":CALC:MARK1:Y?")
	if err != nil {
		return err
	}
	readI, err := r.QueryFloat(instrument.RoleSource, "MEAS:CURR? p6v")
	if err != nil {
		return err
	}

	r.Emit(result.NewRawPoint(result.KindPrimary, map[string]float64{
		"u_src":     uSrc,
		"u_control": uControl,
		"read_f":    readF,
		"read_p":    readP,
		"read_i":    readI,
	}))
	return nil
}

// harmonicCoords revisits the tuning points of one drift level with the
// analyzer at mult times the measured fundamental.
func harmonicCoords(level, mult float64) func(*Run) []Coord {
	return func(r *Run) []Coord {
		var out []Coord
		for _, p := range r.Points(result.KindPrimary) {
			if p.Get("u_src") != level {
				continue
			}
			out = append(out, Coord{
				"u_src":      p.Get("u_src"),
				"u_control":  p.Get("u_control"),
				"read_f":     p.Get("read_f"),
				"multiplier": mult,
			})
		}
		return out
	}
}

func (s *vcoSettings) harmonicPoint(r *Run, c Coord) error {
	sa := instrument.RoleAnalyzer
	uSrc, uControl, mult := c.Get("u_src"), c.Get("u_control"), c.Get("multiplier")

	if err := s.applyBias(r, uSrc, uControl); err != nil {
		return err
	}
	r.Settle(vcoSettleHarmBias)

	// The tuning read-back includes the display offset; remove it before
	// retuning to the harmonic.
	xOffs := s.adjust.Lookup(uSrc, uControl, FieldFreqOffs) * units.Mega
	f := c.Get("read_f") - xOffs
	if err := r.Do(
		Step{Role: sa, Command: "DISP:WIND:TRAC:X:OFFS 0Hz"},
		Step{Role: sa, Command: "DISP:WIND:TRAC:Y:RLEV:OFFS 0db"},
		Step{Role: sa, Command: ":SENS:FREQ:CENT " + hz(f*mult) + "Hz"},
		Step{Role: sa, Command: ":SENS:FREQ:SPAN " + hz(s.span) + "Hz"},
		Step{Role: sa, Command: "DISP:WIND:TRAC:X:OFFS " + hz(xOffs*mult) + "Hz", Settle: vcoSettleHarm},
		Step{Role: sa, Command: ":CALC:MARK1:MAX", Settle: vcoSettleHarm},
	); err != nil {
		return err
	}
	readP, err := r.QueryFloat(sa, ":CALC:MARK1:Y?")
	if err != nil {
		return err
	}

	r.Emit(result.NewRawPoint(result.KindHarmonic, map[string]float64{
		"u_src":      uSrc,
		"u_control":  uControl,
		"multiplier": mult,
		"read_p":     readP,
	}))
	return nil
}

func vcoProfile() result.Profile {
	return result.Profile{
		Name:     "vco",
		GroupKey: "u_src",
		XKey:     "u_control",
		PlotX:    "u_control",
		PlotY:    "f_ghz",
		Derive: func(raw result.RawPoint, _ result.Params) map[string]float64 {
			return map[string]float64{
				"u_src":     raw.Get("u_src"),
				"u_control": raw.Get("u_control"),
				"f_ghz":     units.FromHz(raw.Get("read_f"), units.GHz),
				"f_mhz":     units.FromHz(raw.Get("read_f"), units.MHz),
				"p_dbm":     raw.Get("read_p"),
				"i_ma":      units.ToMilliamps(raw.Get("read_i")),
			}
		},
		Rounding: map[string]int{
			"u_src": 2, "u_control": 2, "f_ghz": 6, "f_mhz": 3, "p_dbm": 2, "i_ma": 2,
		},
		AdjustFields: []string{FieldFreqOffs, FieldPowOffs},
		Columns:      []string{"u_src", "u_control", "f_ghz", "p_dbm", "i_ma"},
		Slope:        &result.SlopeSpec{Name: "sensitivity", X: "u_control", Y: "f_mhz", Unit: "MHz/V"},
		Harmonic:     &result.HarmonicSpec{Multiplier: "multiplier", Power: "read_p", Fundamental: "read_p"},
	}
}
