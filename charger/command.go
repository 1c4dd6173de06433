package charger

import (
	"errors"
	"time"
)

// Kind enumerates the hardware operations the controller can execute.
type Kind string

const (
	KindStart    Kind = "start"
	KindStop     Kind = "stop"
	KindSetLevel Kind = "set_level"
)

// Command is one pending hardware operation. Commands are queued FIFO and
// executed by the controller's single worker, so at most one operation is in
// flight at any time.
type Command struct {
	Kind        Kind
	Amps        int
	Reason      string
	RequestedAt time.Time
}

// ErrAwaitingStability is returned for a level increase that has not yet been
// sustained for the configured stability delay. It is not a failure: the
// caller simply requests the same level again on its next cycle and the
// increase commits once the delay has elapsed. This keeps a transient surplus
// spike from ratcheting the current up and straight back down.
var ErrAwaitingStability = errors.New("level increase awaiting stability delay")

// ErrQueueSaturated is returned when a command could not even be enqueued
// within the bounded wait. It indicates the worker is stuck or the device is
// persistently unreachable.
var ErrQueueSaturated = errors.New("command queue saturated")
