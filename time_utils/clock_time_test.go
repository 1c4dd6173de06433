package timeutils

import (
	"testing"
	"time"
)

func TestResolveOccurrence(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("Failed to load Berlin time: %v", err)
	}

	oneAm := ClockTime{Hour: 1, Minute: 0, Second: 0, Location: berlin}
	elevenPm := ClockTime{Hour: 23, Minute: 0, Second: 0, Location: berlin}

	type subTest struct {
		name      string
		clockTime ClockTime
		reference time.Time
		direction OccurrenceDirection
		expected  time.Time
	}

	subTests := []subTest{
		{
			"NextFutureOrSame, not yet passed today",
			oneAm,
			time.Date(2026, 3, 11, 0, 30, 0, 0, berlin),
			NextFutureOrSame,
			time.Date(2026, 3, 11, 1, 0, 0, 0, berlin),
		},
		{
			"NextFutureOrSame, exactly on the clock time",
			oneAm,
			time.Date(2026, 3, 11, 1, 0, 0, 0, berlin),
			NextFutureOrSame,
			time.Date(2026, 3, 11, 1, 0, 0, 0, berlin),
		},
		{
			"NextFutureOrSame, already passed, rolls to tomorrow",
			oneAm,
			time.Date(2026, 3, 11, 2, 20, 0, 0, berlin),
			NextFutureOrSame,
			time.Date(2026, 3, 12, 1, 0, 0, 0, berlin),
		},
		{
			"TodayEvenIfPast, already passed, stays today",
			oneAm,
			time.Date(2026, 3, 11, 2, 20, 0, 0, berlin),
			TodayEvenIfPast,
			time.Date(2026, 3, 11, 1, 0, 0, 0, berlin),
		},
		{
			"TodayEvenIfPast, not yet passed",
			elevenPm,
			time.Date(2026, 3, 11, 22, 0, 0, 0, berlin),
			TodayEvenIfPast,
			time.Date(2026, 3, 11, 23, 0, 0, 0, berlin),
		},
		{
			// A UTC reference just before midnight Berlin time must resolve
			// against the Berlin calendar day, not the UTC one.
			"UTC reference near the Berlin midnight",
			oneAm,
			time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC), // 00:30 on the 11th in Berlin
			NextFutureOrSame,
			time.Date(2026, 3, 11, 1, 0, 0, 0, berlin),
		},
	}

	for _, subTest := range subTests {
		t.Run(subTest.name, func(t *testing.T) {
			got := ResolveOccurrence(subTest.clockTime, subTest.reference, subTest.direction)
			if !got.Equal(subTest.expected) {
				t.Errorf("got %v, expected %v", got, subTest.expected)
			}
		})
	}
}

func TestWeekdayIndex(t *testing.T) {
	// 2026-03-09 is a Monday
	for i := 0; i < 7; i++ {
		day := time.Date(2026, 3, 9+i, 12, 0, 0, 0, time.UTC)
		if got := WeekdayIndex(day); got != i {
			t.Errorf("WeekdayIndex(%v) got %d, expected %d", day, got, i)
		}
	}
}
