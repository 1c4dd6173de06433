package priority

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	timeutils "github.com/helioshome/wallboxcontroller/time_utils"
)

// State ranks which of the two competing consumers should receive surplus
// energy right now.
type State string

const (
	FavorEV       State = "favor_ev"       // the EV is below its daily target
	FavorBuffer   State = "favor_buffer"   // the EV is satisfied but the house buffer is below its target
	BothSatisfied State = "both_satisfied" // both consumers are at or above their targets
)

// Result is one computed priority decision together with the inputs that
// produced it. It is cached for read-only consumers but never authoritative:
// decision-makers recompute via Calculate.
type Result struct {
	State        State
	EvSoc        float64
	EvTarget     float64
	BufferSoc    float64
	BufferTarget float64
	Reason       string
	ComputedAt   time.Time
}

// SocReader provides the two state-of-charge readings. The boolean is false
// when the reading is currently unavailable.
type SocReader interface {
	EvSoc() (float64, bool)
	BufferSoc() (float64, bool)
}

// Arbiter computes the surplus priority from the SoC readings and the
// per-weekday target tables.
type Arbiter struct {
	socs          SocReader
	evTargets     [7]float64
	bufferTargets [7]float64
	logger        *slog.Logger

	mu   sync.Mutex
	last Result
}

func NewArbiter(socs SocReader, evTargets, bufferTargets [7]float64) *Arbiter {
	return &Arbiter{
		socs:          socs,
		evTargets:     evTargets,
		bufferTargets: bufferTargets,
		logger:        slog.Default().With("component", "priority"),
	}
}

// Calculate recomputes the priority at the given reference instant. Target
// selection uses the reference's weekday (Monday=0). An unavailable SoC
// reading is treated as below target: a transient sensor dropout must favor
// charging, never silently disable it.
func (a *Arbiter) Calculate(reference time.Time) Result {
	weekday := timeutils.WeekdayIndex(reference)
	evTarget := a.evTargets[weekday]
	bufferTarget := a.bufferTargets[weekday]

	evSoc, evOk := a.socs.EvSoc()
	bufferSoc, bufferOk := a.socs.BufferSoc()

	result := Result{
		EvSoc:        evSoc,
		EvTarget:     evTarget,
		BufferSoc:    bufferSoc,
		BufferTarget: bufferTarget,
		ComputedAt:   reference,
	}

	switch {
	case !evOk:
		result.State = FavorEV
		result.Reason = "EV SoC unavailable, assuming below target"
	case evSoc < evTarget:
		result.State = FavorEV
		result.Reason = fmt.Sprintf("EV at %.0f%% below target %.0f%%", evSoc, evTarget)
	case !bufferOk:
		result.State = FavorBuffer
		result.Reason = "buffer SoC unavailable, assuming below target"
	case bufferSoc < bufferTarget:
		result.State = FavorBuffer
		result.Reason = fmt.Sprintf("buffer at %.0f%% below target %.0f%%", bufferSoc, bufferTarget)
	default:
		result.State = BothSatisfied
		result.Reason = fmt.Sprintf("EV at %.0f%% and buffer at %.0f%% both at target", evSoc, bufferSoc)
	}

	a.mu.Lock()
	a.last = result
	a.mu.Unlock()

	return result
}

// Last returns the most recently computed result without recomputing.
func (a *Arbiter) Last() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
