// Package units provides the scale constants and rounding helpers shared by
// the sweep engine and the result accumulator.
package units

import "math"

// Scale constants. Instruments speak base SI units (Hz, A, V); parameters and
// reports use GHz, MHz and mA.
const (
	Giga  = 1_000_000_000
	Mega  = 1_000_000
	Kilo  = 1_000
	Milli = 1.0 / 1_000
)

// Frequency display units accepted by FromHz.
const (
	Hz  = "Hz"
	KHz = "kHz"
	MHz = "MHz"
	GHz = "GHz"
)

// ValidFrequencyUnits contains all valid frequency unit values
var ValidFrequencyUnits = []string{Hz, KHz, MHz, GHz}

// IsValidFrequencyUnit checks if the given unit is a known frequency unit
func IsValidFrequencyUnit(unit string) bool {
	for _, validUnit := range ValidFrequencyUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// FromHz converts a frequency in Hz to the target display unit.
// Unknown units return the value unchanged.
func FromHz(hz float64, unit string) float64 {
	switch unit {
	case KHz:
		return hz / Kilo
	case MHz:
		return hz / Mega
	case GHz:
		return hz / Giga
	default:
		return hz
	}
}

// ToMilliamps converts a current in amps to milliamps.
func ToMilliamps(amps float64) float64 {
	return amps / Milli
}

// Round rounds v to the given number of decimal places. Negative decimals
// return v unchanged.
func Round(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
