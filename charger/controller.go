package charger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Actuator is the hardware interface the controller drives. Implementations
// talk to the physical wallbox; they do not retry, that is the controller's
// job.
type Actuator interface {
	Start(ctx context.Context, amps int) error
	Stop(ctx context.Context) error
	SetCurrent(ctx context.Context, amps int) error
}

type Config struct {
	Actuator Actuator

	// MinInterval is the minimum gap between any two executed hardware
	// operations.
	MinInterval time.Duration

	// DecreaseWait and StabilizeWait pace the safe-decrease sequence
	// (stop -> wait -> set -> wait -> start).
	DecreaseWait  time.Duration
	StabilizeWait time.Duration

	// IncreaseStabilityDelay is how long a higher level must be sustained by
	// the caller before the increase is committed. Zero commits immediately.
	IncreaseStabilityDelay time.Duration

	MaxRetries     int           // retries per hardware operation, defaults to 3
	RetryBackoff   time.Duration // base backoff, grows linearly per attempt, defaults to 2s
	CommandTimeout time.Duration // bound on a single hardware call, defaults to 10s
}

// Controller is the only component permitted to issue hardware commands to
// the wallbox. All requests pass through a FIFO queue drained by a single
// worker, which is the sole synchronisation point for physical device state.
// Cached state reflects the last *executed* operation, never a merely
// requested one.
type Controller struct {
	config Config
	logger *slog.Logger

	requests chan request

	mu                sync.Mutex
	charging          bool
	level             int
	lastExecutedAt    time.Time
	pendingRaiseAmps  int
	pendingRaiseSince time.Time

	// seams for tests so a virtual clock can stand in for wall time
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

type request struct {
	command Command
	reply   chan error
}

func New(config Config) *Controller {
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 2 * time.Second
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = 10 * time.Second
	}

	return &Controller{
		config:   config,
		logger:   slog.Default().With("component", "charger"),
		requests: make(chan request, 16),
		nowFunc:  time.Now,
		sleepFunc: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Run drains the command queue until the context is cancelled. It must be
// running for any Request* call to complete.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requests:
			err := c.execute(ctx, req.command)
			if err != nil {
				c.logger.Warn("Command failed",
					"kind", req.command.Kind,
					"amps", req.command.Amps,
					"reason", req.command.Reason,
					"error", err,
				)
			}
			req.reply <- err
		}
	}
}

// RequestStart asks for the wallbox to begin charging at the given level.
func (c *Controller) RequestStart(ctx context.Context, amps int, reason string) error {
	return c.enqueue(ctx, Command{Kind: KindStart, Amps: amps, Reason: reason, RequestedAt: c.nowFunc()})
}

// RequestStop asks for the wallbox to stop charging.
func (c *Controller) RequestStop(ctx context.Context, reason string) error {
	return c.enqueue(ctx, Command{Kind: KindStop, Reason: reason, RequestedAt: c.nowFunc()})
}

// RequestLevel asks for the charge current to be changed. amps <= 0 is
// treated as a stop. Decreases run the safe-decrease sequence; increases are
// committed only once sustained for the stability delay and return
// ErrAwaitingStability until then.
func (c *Controller) RequestLevel(ctx context.Context, amps int, reason string) error {
	if amps <= 0 {
		return c.RequestStop(ctx, reason)
	}
	return c.enqueue(ctx, Command{Kind: KindSetLevel, Amps: amps, Reason: reason, RequestedAt: c.nowFunc()})
}

// IsCharging reports the last executed state; it does not touch the hardware.
func (c *Controller) IsCharging() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.charging
}

// Level reports the current level of the last executed state, in amps.
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *Controller) enqueue(ctx context.Context, command Command) error {
	req := request{command: command, reply: make(chan error, 1)}

	enqueueTimeout := time.NewTimer(30 * time.Second)
	defer enqueueTimeout.Stop()

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-enqueueTimeout.C:
		return ErrQueueSaturated
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) execute(ctx context.Context, command Command) error {
	c.logger.Info("Executing command",
		"kind", command.Kind,
		"amps", command.Amps,
		"reason", command.Reason,
	)

	switch command.Kind {
	case KindStart:
		return c.executeStart(ctx, command.Amps)
	case KindStop:
		return c.executeStop(ctx)
	case KindSetLevel:
		return c.executeSetLevel(ctx, command.Amps)
	default:
		return fmt.Errorf("unknown command kind %q", command.Kind)
	}
}

func (c *Controller) executeStart(ctx context.Context, amps int) error {
	if c.IsCharging() && c.Level() == amps {
		return nil
	}

	if c.Level() != amps {
		err := c.do(ctx, "set current", func(opCtx context.Context) error {
			return c.config.Actuator.SetCurrent(opCtx, amps)
		})
		if err != nil {
			return err
		}
		c.setCached(c.IsCharging(), amps)
	}

	err := c.do(ctx, "start", func(opCtx context.Context) error {
		return c.config.Actuator.Start(opCtx, amps)
	})
	if err != nil {
		return err
	}
	c.setCached(true, amps)
	c.clearPendingRaise()
	return nil
}

func (c *Controller) executeStop(ctx context.Context) error {
	if !c.IsCharging() {
		return nil
	}

	err := c.do(ctx, "stop", func(opCtx context.Context) error {
		return c.config.Actuator.Stop(opCtx)
	})
	if err != nil {
		return err
	}
	c.setCached(false, 0)
	c.clearPendingRaise()
	return nil
}

func (c *Controller) executeSetLevel(ctx context.Context, amps int) error {
	charging := c.IsCharging()
	level := c.Level()

	switch {
	case !charging:
		// Not drawing power: just pre-set the level for the next start.
		err := c.do(ctx, "set current", func(opCtx context.Context) error {
			return c.config.Actuator.SetCurrent(opCtx, amps)
		})
		if err != nil {
			return err
		}
		c.setCached(false, amps)
		c.clearPendingRaise()
		return nil

	case amps == level:
		c.clearPendingRaise()
		return nil

	case amps < level:
		c.clearPendingRaise()
		return c.safeDecrease(ctx, amps)

	default:
		return c.stableIncrease(ctx, amps)
	}
}

// safeDecrease lowers the charge current via stop -> wait -> set -> wait ->
// start. Some wallboxes drop the session entirely when the current is lowered
// under load, so the decrease is always taken through a full stop.
func (c *Controller) safeDecrease(ctx context.Context, amps int) error {
	err := c.do(ctx, "stop", func(opCtx context.Context) error {
		return c.config.Actuator.Stop(opCtx)
	})
	if err != nil {
		return err
	}
	c.setCached(false, c.Level())

	if err := c.sleepFunc(ctx, c.config.DecreaseWait); err != nil {
		return err
	}

	err = c.do(ctx, "set current", func(opCtx context.Context) error {
		return c.config.Actuator.SetCurrent(opCtx, amps)
	})
	if err != nil {
		return err
	}
	c.setCached(false, amps)

	if err := c.sleepFunc(ctx, c.config.StabilizeWait); err != nil {
		return err
	}

	err = c.do(ctx, "start", func(opCtx context.Context) error {
		return c.config.Actuator.Start(opCtx, amps)
	})
	if err != nil {
		return err
	}
	c.setCached(true, amps)
	return nil
}

// stableIncrease commits a raise only once the caller has sustained the
// request for the configured delay.
func (c *Controller) stableIncrease(ctx context.Context, amps int) error {
	if c.config.IncreaseStabilityDelay > 0 {
		now := c.nowFunc()

		c.mu.Lock()
		if c.pendingRaiseAmps != amps {
			c.pendingRaiseAmps = amps
			c.pendingRaiseSince = now
			c.mu.Unlock()
			return ErrAwaitingStability
		}
		sustained := now.Sub(c.pendingRaiseSince)
		c.mu.Unlock()

		if sustained < c.config.IncreaseStabilityDelay {
			return ErrAwaitingStability
		}
	}

	err := c.do(ctx, "set current", func(opCtx context.Context) error {
		return c.config.Actuator.SetCurrent(opCtx, amps)
	})
	if err != nil {
		return err
	}
	c.setCached(true, amps)
	c.clearPendingRaise()
	return nil
}

// do executes a single hardware operation: it first waits out the minimum
// command interval, then attempts the operation with bounded retries and
// linearly increasing backoff. On exhaustion the error is returned and cached
// state is left unchanged - we never assume a failed command took effect.
func (c *Controller) do(ctx context.Context, description string, op func(ctx context.Context) error) error {
	c.mu.Lock()
	sinceLast := c.nowFunc().Sub(c.lastExecutedAt)
	c.mu.Unlock()

	if wait := c.config.MinInterval - sinceLast; wait > 0 {
		if err := c.sleepFunc(ctx, wait); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries+1; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
		lastErr = op(opCtx)
		cancel()

		if lastErr == nil {
			c.mu.Lock()
			c.lastExecutedAt = c.nowFunc()
			c.mu.Unlock()
			return nil
		}

		if attempt <= c.config.MaxRetries {
			backoff := time.Duration(attempt) * c.config.RetryBackoff
			c.logger.Warn("Hardware operation failed, retrying",
				"operation", description,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
			if err := c.sleepFunc(ctx, backoff); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%s: retries exhausted: %w", description, lastErr)
}

func (c *Controller) setCached(charging bool, level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.charging = charging
	c.level = level
}

func (c *Controller) clearPendingRaise() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingRaiseAmps = 0
	c.pendingRaiseSince = time.Time{}
}
