package sweep

import (
	"time"

	"github.com/banshee-data/rfbench/internal/calibration"
	"github.com/banshee-data/rfbench/internal/config"
	"github.com/banshee-data/rfbench/internal/instrument"
	"github.com/banshee-data/rfbench/internal/result"
	"github.com/banshee-data/rfbench/internal/units"
)

// FieldKLoss is the demodulator conversion loss and its adjustment field.
const FieldKLoss = "k_loss"

const (
	mixerSettleGen     = 300 * time.Millisecond
	mixerSettleMarker  = 300 * time.Millisecond
	mixerSettleFirst   = 1 * time.Second
	mixerSettleCurrent = 500 * time.Millisecond
)

var mixerRoles = []string{
	instrument.RoleAnalyzer, instrument.RoleSource, instrument.RoleGenLO, instrument.RoleGenRF,
}

var mixerInit = []Step{
	{Role: instrument.RoleSource, Command: "*RST"},
	{Role: instrument.RoleSource, Command: "OUTP OFF"},
	{Role: instrument.RoleGenLO, Command: "*RST"},
	{Role: instrument.RoleGenLO, Command: "OUTP:STAT OFF"},
	{Role: instrument.RoleGenRF, Command: "*RST"},
	{Role: instrument.RoleGenRF, Command: "OUTP:STAT OFF"},
	{Role: instrument.RoleAnalyzer, Command: "*RST"},
}

func demodParams() []config.Param {
	return []config.Param{
		floatParam("p_lo", "LO power", -30, 20, 1, 1, " dBm", -5),
		floatParam("f_lo_min", "LO frequency min", 0, 40, 0.1, 3, " GHz", 0.05),
		floatParam("f_lo_max", "LO frequency max", 0, 40, 0.1, 3, " GHz", 3.05),
		floatParam("f_lo_delta", "LO frequency step", 0.001, 40, 0.1, 3, " GHz", 0.5),
		boolParam("is_f_lo_x2", "Double LO frequency", false),
		floatParam("p_rf", "RF power", -60, 20, 1, 1, " dBm", -20),
		floatParam("f_if_min", "IF frequency min", 0, 1000, 1, 2, " MHz", 10),
		floatParam("f_if_max", "IF frequency max", 0, 1000, 1, 2, " MHz", 50),
		floatParam("f_if_delta", "IF frequency step", 0.01, 1000, 1, 2, " MHz", 10),
		floatParam("u_src", "Supply voltage", 0, 6, 0.1, 2, " V", 5),
		floatParam("i_src_max", "Supply current limit", 0, 500, 1, 2, " mA", 100),
		floatParam("loss", "Output path loss", 0, 50, 0.1, 2, " dB", 5),
		floatParam("sa_rlev", "Analyzer reference level", -100, 30, 1, 1, " dB", 10),
		floatParam("sa_scale_y", "Analyzer scale", 1, 20, 1, 1, " dB/div", 10),
		floatParam("sa_span", "Analyzer span", 0.01, 1000, 1, 2, " MHz", 10),
		floatParam("u_min", "Current sweep voltage min", 0, 6, 0.05, 2, " V", 4.75),
		floatParam("u_max", "Current sweep voltage max", 0, 6, 0.05, 2, " V", 5.25),
		floatParam("u_delta", "Current sweep voltage step", 0.01, 6, 0.05, 2, " V", 0.05),
	}
}

// Demodulator is the demodulator variant: conversion loss over an LO × IF
// grid, then a supply current sweep.
func Demodulator() *Variant {
	return &Variant{
		Name:         "demod",
		Description:  "Demodulator conversion loss and supply current",
		Roles:        mixerRoles,
		Params:       demodParams,
		Init:         mixerInit,
		Build:        buildDemod,
		Calibrations: []calibration.Kind{calibration.KindLO, calibration.KindRF},
		Calibrate:    calibrateDemod,
		Profile:      demodProfile(),
	}
}

// demodLOFrequency is the LO generator frequency in GHz for a nominal LO.
func demodLOFrequency(ps *config.ParameterSet, fLO float64) float64 {
	if ps.Bool("is_f_lo_x2") {
		return units.Round(fLO*2, 6)
	}
	return fLO
}

// demodRFFrequency is the RF generator frequency in GHz.
func demodRFFrequency(fLO, fIF float64) float64 {
	return units.Round(fLO+fIF/units.Kilo, 6)
}

func demodGrid(ps *config.ParameterSet) []Coord {
	return Grid(
		axisParam(ps, "f_lo", "f_lo_min", "f_lo_max", "f_lo_delta").Dimension(),
		axisParam(ps, "f_if", "f_if_min", "f_if_max", "f_if_delta").Dimension(),
	)
}

// mixerPrepare powers the sample and configures the analyzer and both
// generators.
func mixerPrepare(ps *config.ParameterSet) []Step {
	sa, src := instrument.RoleAnalyzer, instrument.RoleSource
	return []Step{
		{Role: src, Command: "APPLY p6v," + num(ps.Float("u_src")) + "V," + num(ps.Float("i_src_max")*units.Milli) + "A"},
		{Role: sa, Command: "DISP:WIND:TRAC:Y:RLEV " + num(ps.Float("sa_rlev"))},
		{Role: sa, Command: "DISP:WIND:TRAC:Y:PDIV " + num(ps.Float("sa_scale_y"))},
		{Role: sa, Command: ":SENS:FREQ:SPAN " + hz(ps.Float("sa_span")*units.Mega) + "Hz"},
		{Role: sa, Command: ":CAL:AUTO OFF"},
		{Role: sa, Command: ":CALC:MARK1:MODE POS"},
		{Role: instrument.RoleGenLO, Command: "OUTP:STAT ON"},
		{Role: instrument.RoleGenRF, Command: "OUTP:STAT ON"},
		{Role: src, Command: "OUTP ON"},
	}
}

// mixerTeardown switches everything off and returns the generators to the
// first frequency of the sweep.
func mixerTeardown(loStart, rfStart float64) []Step {
	return []Step{
		{Role: instrument.RoleSource, Command: "OUTP OFF"},
		{Role: instrument.RoleGenLO, Command: "OUTP:STAT OFF"},
		{Role: instrument.RoleGenRF, Command: "OUTP:STAT OFF"},
		{Role: instrument.RoleGenLO, Command: "SOUR:FREQ " + hz(loStart) + "Hz"},
		{Role: instrument.RoleGenRF, Command: "SOUR:FREQ " + hz(rfStart) + "Hz"},
		{Role: instrument.RoleAnalyzer, Command: ":CAL:AUTO ON"},
	}
}

// setGenerator tunes a generator and sets its level.
func setGenerator(r *Run, role string, fHz, pDBm float64) error {
	return r.Do(
		Step{Role: role, Command: "SOUR:FREQ " + hz(fHz) + "Hz"},
		Step{Role: role, Command: "SOUR:POW " + num(pDBm) + "dbm"},
	)
}

// readMarker centres the analyzer on fHz, peak-searches and reads the
// marker level.
func readMarker(r *Run, fHz float64) (float64, error) {
	sa := instrument.RoleAnalyzer
	if err := r.Send(sa, ":SENS:FREQ:CENT "+hz(fHz)+"Hz"); err != nil {
		return 0, err
	}
	r.Settle(mixerSettleMarker)
	if r.First() {
		r.Settle(mixerSettleFirst)
	}
	if err := r.Send(sa, ":CALC:MARK1:MAX"); err != nil {
		return 0, err
	}
	r.Settle(mixerSettleMarker)
	return r.QueryFloat(sa, ":CALC:MARK1:Y?")
}

// currentPass sweeps the supply voltage and records the supply current.
func currentPass(ps *config.ParameterSet, iLimit float64) Pass {
	src := instrument.RoleSource
	return Pass{
		Name:   "current",
		Coords: coords(Grid(axisParam(ps, "src_u", "u_min", "u_max", "u_delta").Dimension())),
		Begin: func(r *Run) error {
			return r.Do(
				Step{Role: instrument.RoleGenLO, Command: "OUTP:STAT OFF"},
				Step{Role: instrument.RoleGenRF, Command: "OUTP:STAT OFF"},
			)
		},
		Point: func(r *Run, c Coord) error {
			u := c.Get("src_u")
			if err := r.Send(src, "APPLY p6v,"+num(u)+"V,"+num(iLimit)+"A"); err != nil {
				return err
			}
			r.Settle(mixerSettleCurrent)
			i, err := r.QueryFloat(src, "MEAS:CURR? p6v")
			if err != nil {
				return err
			}
			r.Emit(result.NewRawPoint(result.KindCurrent, map[string]float64{
				"src_u": u,
				"src_i": i,
			}))
			return nil
		},
	}
}

func buildDemod(ps *config.ParameterSet, env Env) (*Plan, error) {
	grid := demodGrid(ps)
	pLO, pRF := ps.Float("p_lo"), ps.Float("p_rf")
	uSrc, loss := ps.Float("u_src"), ps.Float("loss")
	iLimit := ps.Float("i_src_max") * units.Milli

	fLOStart := demodLOFrequency(ps, ps.Float("f_lo_min"))
	fRFStart := demodRFFrequency(ps.Float("f_lo_min"), ps.Float("f_if_min"))

	plan := &Plan{
		Name:     "demod",
		Prepare:  mixerPrepare(ps),
		Shutdown: safeShutdown(mixerRoles),
		Teardown: mixerTeardown(fLOStart*units.Giga, fRFStart*units.Giga),
	}
	plan.Passes = []Pass{
		{
			Name:   "conversion",
			Coords: coords(grid),
			Point: func(r *Run, c Coord) error {
				fLO, fIF := c.Get("f_lo"), c.Get("f_if")
				fGen := demodLOFrequency(ps, fLO)
				fRF := demodRFFrequency(fLO, fIF)

				loCal := env.Cal.Lookup(calibration.KindLO, fGen, pLO)
				if err := setGenerator(r, instrument.RoleGenLO, fGen*units.Giga, pLO+loCal); err != nil {
					return err
				}
				rfCal := env.Cal.Lookup(calibration.KindRF, fRF, pRF)
				if err := setGenerator(r, instrument.RoleGenRF, fRF*units.Giga, pRF+rfCal); err != nil {
					return err
				}
				r.Settle(mixerSettleGen)

				pIF, err := readMarker(r, fIF*units.Mega)
				if err != nil {
					return err
				}
				iSrc, err := r.QueryFloat(instrument.RoleSource, "MEAS:CURR? p6v")
				if err != nil {
					return err
				}

				r.Emit(result.NewRawPoint(result.KindPrimary, map[string]float64{
					"f_lo":  fLO,
					"p_lo":  pLO,
					"f_rf":  fRF,
					"p_rf":  pRF,
					"f_if":  fIF,
					"p_if":  pIF,
					"u_src": uSrc,
					"i_src": iSrc,
					"loss":  loss,
				}))
				return nil
			},
		},
		currentPass(ps, iLimit),
	}
	return plan, nil
}

func demodProfile() result.Profile {
	return result.Profile{
		Name:     "demod",
		GroupKey: "f_lo",
		XKey:     "f_if",
		PlotX:    "f_if",
		PlotY:    FieldKLoss,
		Derive: func(raw result.RawPoint, _ result.Params) map[string]float64 {
			return map[string]float64{
				"p_lo":     raw.Get("p_lo"),
				"f_lo":     raw.Get("f_lo"),
				"p_rf":     raw.Get("p_rf"),
				"f_rf":     raw.Get("f_rf"),
				"f_if":     raw.Get("f_if"),
				"p_if":     raw.Get("p_if"),
				"u_src":    raw.Get("u_src"),
				"i_ma":     units.ToMilliamps(raw.Get("i_src")),
				FieldKLoss: raw.Get("p_if") - raw.Get("p_rf") + raw.Get("loss"),
			}
		},
		Rounding:     map[string]int{"u_src": 1, "i_ma": 2, FieldKLoss: 2, "p_if": 2},
		AdjustFields: []string{FieldKLoss},
		Columns:      []string{"p_lo", "f_lo", "p_rf", "f_rf", "f_if", "u_src", "i_ma", "p_if", FieldKLoss},
		Current:      &result.CurrentSpec{U: "src_u", I: "src_i"},
	}
}

func calibrateDemod(kind calibration.Kind, ps *config.ParameterSet) (*Plan, *calibration.Table, error) {
	switch kind {
	case calibration.KindLO:
		var freqs []float64
		for _, f := range axisParam(ps, "f_lo", "f_lo_min", "f_lo_max", "f_lo_delta").Values() {
			freqs = append(freqs, demodLOFrequency(ps, f))
		}
		return calibrationPlan(calibrationSpec{
			kind:  kind,
			gen:   instrument.RoleGenLO,
			freqs: freqs,
			scale: units.Giga,
			power: ps.Float("p_lo"),
			span:  ps.Float("sa_span") * units.Mega,
		})
	case calibration.KindRF:
		var freqs []float64
		for _, c := range demodGrid(ps) {
			freqs = append(freqs, demodRFFrequency(c.Get("f_lo"), c.Get("f_if")))
		}
		return calibrationPlan(calibrationSpec{
			kind:  kind,
			gen:   instrument.RoleGenRF,
			freqs: freqs,
			scale: units.Giga,
			power: ps.Float("p_rf"),
			span:  ps.Float("sa_span") * units.Mega,
		})
	}
	return nil, nil, ErrUnsupportedCalibration
}
