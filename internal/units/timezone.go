package units

import "time"

// StudyTimezone is where every participant lived during the study. Stored
// timestamps are UTC and are converted to this zone for day-part labels.
const StudyTimezone = "Europe/Amsterdam"

// IsTimezoneValid checks if the given timezone is valid by attempting to load it from the tz database
func IsTimezoneValid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// Moment is the part of day a relaxation session started in.
type Moment string

const (
	Morning   Moment = "Morning"
	Afternoon Moment = "Afternoon"
	Evening   Moment = "Evening"
	Night     Moment = "Night"
)

// MomentOf classifies t by its hour in loc. Morning starts at 07:00, so a
// session at 06:30 counts as night.
func MomentOf(t time.Time, loc *time.Location) Moment {
	if loc != nil {
		t = t.In(loc)
	}
	switch h := t.Hour(); {
	case h > 6 && h < 12:
		return Morning
	case h >= 12 && h < 18:
		return Afternoon
	case h >= 18:
		return Evening
	default:
		return Night
	}
}
