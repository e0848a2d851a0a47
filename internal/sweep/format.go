package sweep

import (
	"math"
	"strconv"

	"github.com/banshee-data/rfbench/internal/config"
	"github.com/banshee-data/rfbench/internal/units"
)

// hz formats a frequency for a command, in whole hertz.
func hz(v float64) string {
	return strconv.FormatFloat(math.Round(v), 'f', -1, 64)
}

// num formats a level, voltage or current for a command.
func num(v float64) string {
	return strconv.FormatFloat(units.Round(v, 6), 'f', -1, 64)
}

// axisParam builds an axis from a min/max/delta parameter triple. The
// axis precision is the precision of the min parameter.
func axisParam(ps *config.ParameterSet, name, min, max, delta string) Axis {
	decimals := ps.Decimals(min)
	if decimals < 0 {
		decimals = 3
	}
	return Axis{
		Name:     name,
		Start:    ps.Float(min),
		Stop:     ps.Float(max),
		Step:     ps.Float(delta),
		Decimals: decimals,
	}
}

// coords returns a Pass.Coords callback over a fixed coordinate list.
func coords(list []Coord) func(*Run) []Coord {
	return func(*Run) []Coord { return list }
}

func floatParam(name, label string, min, max, step float64, decimals int, suffix string, def float64) config.Param {
	return config.Param{
		Name: name, Label: label, Kind: config.KindFloat,
		Min: min, Max: max, Step: step, Decimals: decimals, Suffix: suffix,
		Default: def,
	}
}

func boolParam(name, label string, def bool) config.Param {
	return config.Param{Name: name, Label: label, Kind: config.KindBool, Default: def}
}
