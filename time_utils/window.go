package timeutils

import (
	"fmt"
	"time"
)

// Window represents an absolute period between two instants in time,
// e.g. "2026/01/19 18:30:00 to 2026/01/20 01:00:00". Unlike a clock-time
// period it may span midnight. Windows are always recomputed per query and
// must never be cached across calendar days.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls within the window. The start is inclusive
// and the end exclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("%s -> %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
