package timeutils

import "time"

// ClockTime represents a time of day in the given locale, without a date.
type ClockTime struct {
	Hour     int
	Minute   int
	Second   int
	Location *time.Location
}

// OnDate returns a time with the given clock time on the given date
func (c *ClockTime) OnDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, c.Hour, c.Minute, c.Second, 0, c.Location)
}

// OccurrenceDirection selects which calendar occurrence of a ClockTime
// ResolveOccurrence should return relative to a reference instant.
type OccurrenceDirection int

const (
	// NextFutureOrSame resolves to the earliest instant at or after the
	// reference with the given clock time: today if not yet passed, otherwise
	// tomorrow.
	NextFutureOrSame OccurrenceDirection = iota

	// TodayEvenIfPast resolves to today's occurrence regardless of whether it
	// has already passed. A window boundary that lies in the past relative to
	// "now" can still be the correct boundary of a window that started
	// yesterday, so callers dealing with overnight windows need this.
	TodayEvenIfPast
)

// ResolveOccurrence returns the occurrence of the given clock time selected by
// `direction`, relative to the reference instant. The reference is normalised
// into the ClockTime's location first, otherwise the calendar day can be wrong
// near midnight when the reference carries a different timezone.
func ResolveOccurrence(c ClockTime, reference time.Time, direction OccurrenceDirection) time.Time {
	reference = reference.In(c.Location)
	year, month, day := reference.Date()

	occurrence := c.OnDate(year, month, day)
	if direction == TodayEvenIfPast {
		return occurrence
	}

	if occurrence.Before(reference) {
		occurrence = c.OnDate(year, month, day+1)
	}
	return occurrence
}
