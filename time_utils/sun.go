package timeutils

import (
	"fmt"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// SunTimes provides sunrise and sunset instants for the calendar date of a
// given reference time. The production implementation is SolarCalculator;
// tests use a fixed-sun stub.
type SunTimes interface {
	Sunrise(t time.Time) time.Time
	Sunset(t time.Time) time.Time
}

// SolarCalculator computes sunrise and sunset for a fixed site location.
// It is a pure calculation with no I/O or caching.
type SolarCalculator struct {
	latitude  float64
	longitude float64
	location  *time.Location
}

// NewSolarCalculator validates the site coordinates. An invalid location is a
// configuration error and fatal at startup, never a per-call failure.
func NewSolarCalculator(latitude, longitude float64, location *time.Location) (*SolarCalculator, error) {
	if latitude < -90 || latitude > 90 {
		return nil, fmt.Errorf("latitude %f out of range", latitude)
	}
	if longitude < -180 || longitude > 180 {
		return nil, fmt.Errorf("longitude %f out of range", longitude)
	}
	if location == nil {
		return nil, fmt.Errorf("no timezone location given")
	}
	return &SolarCalculator{
		latitude:  latitude,
		longitude: longitude,
		location:  location,
	}, nil
}

// Sunrise returns the sunrise instant on t's calendar date, in the site's
// timezone.
func (s *SolarCalculator) Sunrise(t time.Time) time.Time {
	t = t.In(s.location)
	rise, _ := sunrise.SunriseSunset(s.latitude, s.longitude, t.Year(), t.Month(), t.Day())
	return rise.In(s.location)
}

// Sunset returns the sunset instant on t's calendar date, in the site's
// timezone.
func (s *SolarCalculator) Sunset(t time.Time) time.Time {
	t = t.In(s.location)
	_, set := sunrise.SunriseSunset(s.latitude, s.longitude, t.Year(), t.Month(), t.Day())
	return set.In(s.location)
}
