package sweep

import (
	"github.com/banshee-data/rfbench/internal/calibration"
	"github.com/banshee-data/rfbench/internal/config"
	"github.com/banshee-data/rfbench/internal/instrument"
	"github.com/banshee-data/rfbench/internal/result"
	"github.com/banshee-data/rfbench/internal/units"
)

// FieldOutLoss is the modulator output loss and its adjustment field.
const FieldOutLoss = "out_loss"

func modParams() []config.Param {
	return []config.Param{
		floatParam("p_lo", "LO power", -30, 20, 1, 1, " dBm", -5),
		floatParam("p_mod", "Modulation power", -60, 20, 1, 1, " dBm", -5),
		floatParam("f_lo_min", "LO frequency min", 0, 40, 0.1, 3, " GHz", 0.6),
		floatParam("f_lo_max", "LO frequency max", 0, 40, 0.1, 3, " GHz", 6.6),
		floatParam("f_lo_delta", "LO frequency step", 0.001, 40, 0.1, 3, " GHz", 1),
		boolParam("is_f_lo_div2", "Halve LO frequency", false),
		floatParam("f_mod_min", "Modulation frequency min", 0, 1000, 1, 2, " MHz", 1),
		floatParam("f_mod_max", "Modulation frequency max", 0, 1000, 1, 2, " MHz", 501),
		floatParam("f_mod_delta", "Modulation frequency step", 0.01, 1000, 1, 2, " MHz", 10),
		floatParam("u_src", "Supply voltage", 0, 6, 0.1, 2, " V", 5),
		floatParam("i_src_max", "Supply current limit", 0, 500, 1, 2, " mA", 100),
		floatParam("sa_rlev", "Analyzer reference level", -100, 30, 1, 1, " dB", 10),
		floatParam("sa_scale_y", "Analyzer scale", 1, 20, 1, 1, " dB/div", 10),
		floatParam("sa_span", "Analyzer span", 0.01, 1000, 1, 2, " MHz", 10),
	}
}

// Modulator is the modulator/mixer variant: output power over an LO ×
// modulation frequency grid.
func Modulator() *Variant {
	return &Variant{
		Name:         "mod",
		Description:  "Modulator output loss",
		Roles:        mixerRoles,
		Params:       modParams,
		Init:         mixerInit,
		Build:        buildMod,
		Calibrations: []calibration.Kind{calibration.KindLO, calibration.KindMod},
		Calibrate:    calibrateMod,
		Profile:      modProfile(),
	}
}

// modLOFrequency is the LO generator frequency in GHz for a nominal LO.
func modLOFrequency(ps *config.ParameterSet, fLO float64) float64 {
	if ps.Bool("is_f_lo_div2") {
		return units.Round(fLO/2, 6)
	}
	return fLO
}

func buildMod(ps *config.ParameterSet, env Env) (*Plan, error) {
	grid := Grid(
		axisParam(ps, "lo_f", "f_lo_min", "f_lo_max", "f_lo_delta").Dimension(),
		axisParam(ps, "mod_f", "f_mod_min", "f_mod_max", "f_mod_delta").Dimension(),
	)
	pLO, pMod := ps.Float("p_lo"), ps.Float("p_mod")
	uSrc := ps.Float("u_src")

	plan := &Plan{
		Name:     "mod",
		Prepare:  mixerPrepare(ps),
		Shutdown: safeShutdown(mixerRoles),
		Teardown: mixerTeardown(
			modLOFrequency(ps, ps.Float("f_lo_min"))*units.Giga,
			ps.Float("f_mod_min")*units.Mega,
		),
	}
	plan.Passes = []Pass{{
		Name:   "output",
		Coords: coords(grid),
		Point: func(r *Run, c Coord) error {
			fLO, fMod := c.Get("lo_f"), c.Get("mod_f")
			fGen := modLOFrequency(ps, fLO)

			loCal := env.Cal.Lookup(calibration.KindLO, fGen, pLO)
			if err := setGenerator(r, instrument.RoleGenLO, fGen*units.Giga, pLO+loCal); err != nil {
				return err
			}
			modCal := env.Cal.Lookup(calibration.KindMod, fMod, 0)
			if err := setGenerator(r, instrument.RoleGenRF, fMod*units.Mega, pMod+modCal); err != nil {
				return err
			}
			r.Settle(mixerSettleGen)

			pOut, err := readMarker(r, fLO*units.Giga+fMod*units.Mega)
			if err != nil {
				return err
			}
			iSrc, err := r.QueryFloat(instrument.RoleSource, "MEAS:CURR? p6v")
			if err != nil {
				return err
			}

			r.Emit(result.NewRawPoint(result.KindPrimary, map[string]float64{
				"lo_f":       fLO,
				"mod_f":      fMod,
				"src_u":      uSrc,
				"src_i":      iSrc,
				"sa_p_out":   pOut,
				FieldOutLoss: pOut - pMod + modCal,
			}))
			return nil
		},
	}}
	return plan, nil
}

func modProfile() result.Profile {
	return result.Profile{
		Name:     "mod",
		GroupKey: "lo_f",
		XKey:     "mod_f",
		PlotX:    "mod_f",
		PlotY:    FieldOutLoss,
		Derive: func(raw result.RawPoint, _ result.Params) map[string]float64 {
			return map[string]float64{
				"lo_f":       raw.Get("lo_f"),
				"mod_f":      raw.Get("mod_f"),
				"src_u":      raw.Get("src_u"),
				"i_ma":       units.ToMilliamps(raw.Get("src_i")),
				"sa_p_out":   raw.Get("sa_p_out"),
				FieldOutLoss: raw.Get(FieldOutLoss),
			}
		},
		Rounding:     map[string]int{"src_u": 1, "i_ma": 2, "sa_p_out": 2, FieldOutLoss: 2},
		AdjustFields: []string{FieldOutLoss},
		Columns:      []string{"lo_f", "mod_f", "src_u", "i_ma", "sa_p_out", FieldOutLoss},
	}
}

func calibrateMod(kind calibration.Kind, ps *config.ParameterSet) (*Plan, *calibration.Table, error) {
	span := ps.Float("sa_span") * units.Mega
	switch kind {
	case calibration.KindLO:
		var freqs []float64
		for _, f := range axisParam(ps, "lo_f", "f_lo_min", "f_lo_max", "f_lo_delta").Values() {
			freqs = append(freqs, modLOFrequency(ps, f))
		}
		return calibrationPlan(calibrationSpec{
			kind: kind, gen: instrument.RoleGenLO, freqs: freqs,
			scale: units.Giga, power: ps.Float("p_lo"), span: span,
		})
	case calibration.KindMod:
		return calibrationPlan(calibrationSpec{
			kind: kind, gen: instrument.RoleGenRF,
			freqs: axisParam(ps, "mod_f", "f_mod_min", "f_mod_max", "f_mod_delta").Values(),
			scale: units.Mega, power: ps.Float("p_mod"), span: span,
		})
	}
	return nil, nil, ErrUnsupportedCalibration
}
