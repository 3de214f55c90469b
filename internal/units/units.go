// Package units converts temperatures between the cloud's canonical unit
// (Celsius at 0.5 degree resolution) and the configured display unit.
//
// Every value that crosses into canonical space must be snapped before it
// leaves the process: the cloud stores setpoints at 0.5 degree granularity,
// and an unsnapped conversion (66 F -> 18.8889 C) round-trips to a different
// display value on the next poll, drifting forever.
package units

import "math"

// Unit identifies a temperature unit.
type Unit string

const (
	Celsius    Unit = "celsius"
	Fahrenheit Unit = "fahrenheit"
)

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	return u == Celsius || u == Fahrenheit
}

// Step is the canonical setpoint resolution in degrees Celsius.
const Step = 0.5

// Snap rounds a canonical value to the nearest 0.5 degree increment,
// rounding halves away from zero.
func Snap(value float64) float64 {
	scaled := value / Step
	var rounded float64
	if scaled >= 0 {
		rounded = math.Floor(scaled + 0.5)
	} else {
		rounded = math.Ceil(scaled - 0.5)
	}
	return rounded * Step
}

// ToCanonical converts a value expressed in source into canonical degrees
// Celsius. The result is NOT snapped; callers snap before the value is
// stored or dispatched.
func ToCanonical(value float64, source Unit) float64 {
	if source == Fahrenheit {
		return (value - 32.0) * 5.0 / 9.0
	}
	return value
}

// ToDisplay converts a canonical Celsius value into the display unit.
func ToDisplay(value float64, display Unit) float64 {
	if display == Fahrenheit {
		return value*9.0/5.0 + 32.0
	}
	return value
}
