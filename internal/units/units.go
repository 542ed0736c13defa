// Package units provides shared constants and validation for channel value units
package units

import "math"

// Unit constants
const (
	RAW = "raw"
	US  = "us"
	PCT = "pct"
)

// Channel value landmarks. Receivers emit 0-2047, with most transmitters
// spanning 172-1811 and centring sticks at 992.
const (
	RawMin      = 0
	RawMax      = 2047
	NominalLow  = 172
	NominalMid  = 992
	NominalHigh = 1811
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{RAW, US, PCT}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "raw, us, pct"
}

// ConvertChannel converts a raw 11-bit channel value to the target units
// Database stores channel values raw (0-2047)
func ConvertChannel(raw uint16, targetUnits string) float64 {
	switch targetUnits {
	case US:
		return float64(raw)*0.625 + 880.0
	case PCT:
		return (float64(raw) - NominalLow) * 100.0 / (NominalHigh - NominalLow)
	case RAW:
		return float64(raw)
	default:
		return float64(raw) // default to raw if unknown unit
	}
}

// RawFromValue converts a channel value in the given units back to the raw
// 11-bit range, rounding and clamping to 0-2047
func RawFromValue(value float64, sourceUnits string) uint16 {
	var raw float64
	switch sourceUnits {
	case US:
		raw = (value - 880.0) / 0.625
	case PCT:
		raw = NominalLow + value*(NominalHigh-NominalLow)/100.0
	default:
		raw = value
	}
	return ClampRaw(math.Round(raw))
}

// ClampRaw clamps a value to the raw 11-bit channel range
func ClampRaw(v float64) uint16 {
	if v < RawMin {
		return RawMin
	}
	if v > RawMax {
		return RawMax
	}
	return uint16(v)
}
