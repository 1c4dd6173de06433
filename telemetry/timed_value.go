package telemetry

import (
	"sync"
	"time"
)

// TimedValue is a float64 value with the time at which it was last updated.
// It is safe for concurrent use, so readings arriving on one goroutine can be
// consumed from the control loops on another.
type TimedValue struct {
	mu        sync.Mutex
	value     float64
	updatedAt time.Time
}

// Set updates the value and records the update time.
func (v *TimedValue) Set(value float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
	v.updatedAt = time.Now()
}

// Get returns the value and the time it was last updated. The zero time
// indicates that no value has ever been set.
func (v *TimedValue) Get() (float64, time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value, v.updatedAt
}

// Fresh returns the value and true if it was updated within `maxAge` of now.
func (v *TimedValue) Fresh(maxAge time.Duration) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.updatedAt.IsZero() || time.Since(v.updatedAt) > maxAge {
		return 0, false
	}
	return v.value, true
}
