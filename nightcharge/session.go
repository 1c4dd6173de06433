package nightcharge

import "time"

// Mode identifies the energy source of an overnight charge session. The
// modes double as the scheduler's state machine states.
type Mode string

const (
	ModeIdle    Mode = "idle"    // no session active
	ModeBattery Mode = "battery" // charging the EV from the house buffer
	ModeGrid    Mode = "grid"    // charging the EV from the grid
)

// Session is the scheduler's central record of one overnight charge. Exactly
// one session may be active at a time; it is created when the scheduler
// decides to start and completed when any stop condition fires. A cooldown
// interval after CompletedAt suppresses re-evaluation so that a completed
// session cannot oscillate straight back into a new one.
type Session struct {
	Mode        Mode
	StartedAt   time.Time
	CompletedAt time.Time // zero while the session is active
}

// Active returns true while the session is running.
func (s Session) Active() bool {
	return s.Mode != ModeIdle && s.Mode != "" && s.CompletedAt.IsZero()
}
