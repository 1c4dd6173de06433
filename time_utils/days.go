package timeutils

import "time"

// WeekdayIndex returns the index of t's weekday with Monday=0 and Sunday=6.
// All of the per-weekday configuration tables (charge targets, car-ready
// flags) are fixed-size arrays indexed this way.
func WeekdayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// IsWeekday returns true if the given t is Monday to Friday in t's location.
func IsWeekday(t time.Time) bool {
	day := t.Weekday()
	return day != time.Saturday && day != time.Sunday
}
