package timeutils

import "time"

// NightWindows derives the two windows that govern overnight behaviour: the
// nightly block window (when charging is vetoed) and the activation window
// (when a scheduled overnight session is permitted to start).
type NightWindows struct {
	sun      SunTimes
	location *time.Location
}

func NewNightWindows(sun SunTimes, location *time.Location) *NightWindows {
	return &NightWindows{
		sun:      sun,
		location: location,
	}
}

// NightlyBlockWindow returns the window during which charging is prohibited
// for the night that the reference instant belongs to. The window starts at
// sunset: yesterday's sunset if the reference is before today's sunrise
// (i.e. we are in the small hours of a night that began yesterday), otherwise
// today's sunset. When night charging is enabled the window ends at the
// scheduled night-charge time, otherwise it runs until sunrise.
//
// The choice between TodayEvenIfPast and NextFutureOrSame for the end
// boundary is driven by whether the reference is before today's sunrise,
// never by whether the scheduled time itself has already passed. Keying off
// "scheduled time is in the past" resolves the end to tomorrow when the
// correct end was today-already-passed, which makes the window wrongly appear
// still open to a car arriving after the scheduled time.
func (n *NightWindows) NightlyBlockWindow(reference time.Time, scheduled ClockTime, nightChargeEnabled bool) Window {
	reference = reference.In(n.location)

	sunriseToday := n.sun.Sunrise(reference)
	beforeSunrise := reference.Before(sunriseToday)

	var start time.Time
	if beforeSunrise {
		start = n.sun.Sunset(reference.AddDate(0, 0, -1))
	} else {
		start = n.sun.Sunset(reference)
	}

	var end time.Time
	switch {
	case nightChargeEnabled && beforeSunrise:
		end = ResolveOccurrence(scheduled, reference, TodayEvenIfPast)
	case nightChargeEnabled:
		end = ResolveOccurrence(scheduled, reference, NextFutureOrSame)
	case beforeSunrise:
		end = sunriseToday
	default:
		end = n.sun.Sunrise(reference.AddDate(0, 0, 1))
	}

	return Window{Start: start, End: end}
}

// ActivationWindow returns the window during which a scheduled overnight
// session may start, for the night that the reference instant belongs to.
// The start is the scheduled time of the *current* night, resolved the same
// way as the block-window end, so that a car arriving after the scheduled
// time is still inside the window. The window normally ends at the following
// sunrise; `deadlineFor`, if non-nil, may substitute a car-ready deadline for
// the morning on which the window ends.
func (n *NightWindows) ActivationWindow(reference time.Time, scheduled ClockTime, deadlineFor func(morning time.Time) (ClockTime, bool)) Window {
	reference = reference.In(n.location)

	sunriseToday := n.sun.Sunrise(reference)
	beforeSunrise := reference.Before(sunriseToday)

	var start time.Time
	if beforeSunrise {
		start = ResolveOccurrence(scheduled, reference, TodayEvenIfPast)
	} else {
		start = ResolveOccurrence(scheduled, reference, NextFutureOrSame)
	}

	// The morning that closes this window: the sunrise of the start's own day
	// if the start falls in the small hours, otherwise the next day's.
	end := n.sun.Sunrise(start)
	if !start.Before(end) {
		end = n.sun.Sunrise(start.AddDate(0, 0, 1))
	}

	if deadlineFor != nil {
		if deadline, ok := deadlineFor(end); ok {
			year, month, day := end.In(n.location).Date()
			end = deadline.OnDate(year, month, day)
		}
	}

	return Window{Start: start, End: end}
}
