// Package units provides the duration units used in reports and the study's
// wall-clock conventions.
package units

import (
	"strings"
	"time"
)

// Unit constants
const (
	Seconds = "s"
	Minutes = "min"
	Hours   = "h"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Seconds, Minutes, Hours}

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
	return strings.Join(ValidUnits, ", ")
}

// ConvertDuration expresses d in the target unit.
func ConvertDuration(d time.Duration, targetUnits string) float64 {
	switch targetUnits {
	case Minutes:
		return d.Minutes()
	case Hours:
		return d.Hours()
	default:
		return d.Seconds() // default to seconds if unknown unit
	}
}
