package tracker

import "time"

// IsOpen reports whether polling is allowed at now. When startHour is
// before endHour the window is [startHour, endHour); otherwise it wraps
// midnight. An endHour of 24 means until midnight.
func IsOpen(now time.Time, startHour, endHour int) bool {
	h := now.Hour()
	if startHour < endHour {
		return h >= startHour && h < endHour
	}
	return h >= startHour || h < endHour
}
