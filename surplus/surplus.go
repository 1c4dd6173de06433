package surplus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helioshome/wallboxcontroller/charger"
	"github.com/helioshome/wallboxcontroller/priority"
	"github.com/helioshome/wallboxcontroller/telemetry"
)

// Arbiter decides which consumer should receive surplus energy right now.
type Arbiter interface {
	Calculate(reference time.Time) priority.Result
}

// SessionState is the read-only view of the night charge scheduler. The
// surplus controller yields completely while an overnight session runs.
type SessionState interface {
	Active() bool
}

// ChargerController is the slice of the command controller the surplus
// controller uses.
type ChargerController interface {
	RequestStart(ctx context.Context, amps int, reason string) error
	RequestStop(ctx context.Context, reason string) error
	RequestLevel(ctx context.Context, amps int, reason string) error
	IsCharging() bool
	Level() int
}

type Config struct {
	Interval             time.Duration
	AllowedAmps          []int // ascending
	MinStartSurplusWatts float64
	Voltage              float64
	Phases               int
	MaxReadingAge        time.Duration

	Arbiter   Arbiter
	Scheduler SessionState
	Charger   ChargerController
}

// Controller adjusts the wallbox current so that daytime charging consumes
// only the solar surplus. Every tick it recomputes production minus site
// consumption, picks the highest allowed current that fits, and routes the
// change through the command controller.
//
// Put site meter readings onto the `MeterReadings` channel.
type Controller struct {
	MeterReadings chan telemetry.MeterReading

	config Config
	logger *slog.Logger

	production  telemetry.TimedValue
	consumption telemetry.TimedValue

	nowFunc func() time.Time
}

func New(config Config) *Controller {
	return &Controller{
		MeterReadings: make(chan telemetry.MeterReading, 25),
		config:        config,
		logger:        slog.Default().With("component", "surplus"),
		nowFunc:       time.Now,
	}
}

// Run loops until the context is cancelled, caching meter readings as they
// arrive and re-evaluating the charge level on every tick.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case reading := <-c.MeterReadings:
			c.production.Set(reading.PvProduction)
			c.consumption.Set(reading.SiteConsumption)

		case <-ticker.C:
			c.evaluate(ctx)
		}
	}
}

func (c *Controller) evaluate(ctx context.Context) {
	if c.config.Scheduler != nil && c.config.Scheduler.Active() {
		return
	}

	charging := c.config.Charger.IsCharging()

	result := c.config.Arbiter.Calculate(c.nowFunc())
	if result.State != priority.FavorEV {
		if charging {
			c.requestStop(ctx, fmt.Sprintf("surplus charging ended: %s", result.Reason))
		}
		return
	}

	production, productionOk := c.production.Fresh(c.config.MaxReadingAge)
	consumption, consumptionOk := c.consumption.Fresh(c.config.MaxReadingAge)
	if !productionOk || !consumptionOk {
		// without a current surplus figure the safe level is off
		if charging {
			c.requestStop(ctx, "surplus charging ended: site meter readings stale")
		}
		return
	}

	surplus := production - consumption
	if charging {
		// the charger's own confirmed draw is part of site consumption, so
		// the surplus available to it includes that draw
		surplus += float64(c.config.Charger.Level()) * c.config.Voltage * float64(c.config.Phases)
	}

	amps, ok := c.selectAmps(surplus)

	switch {
	case !charging && ok && surplus >= c.config.MinStartSurplusWatts:
		reason := fmt.Sprintf("solar surplus %.0fW supports %dA", surplus, amps)
		if err := c.config.Charger.RequestStart(ctx, amps, reason); err != nil {
			c.logger.Error("Failed to start surplus charging", "error", err)
		}

	case charging && !ok:
		c.requestStop(ctx, fmt.Sprintf("surplus %.0fW below minimum charge level", surplus))

	case charging && amps != c.config.Charger.Level():
		reason := fmt.Sprintf("solar surplus %.0fW supports %dA", surplus, amps)
		err := c.config.Charger.RequestLevel(ctx, amps, reason)
		if errors.Is(err, charger.ErrAwaitingStability) {
			c.logger.Debug("Raise awaiting stability", "amps", amps, "surplus", surplus)
		} else if err != nil {
			c.logger.Error("Failed to adjust surplus charge level", "error", err)
		}
	}
}

// selectAmps returns the highest allowed current whose draw fits within the
// surplus, false if even the lowest does not fit.
func (c *Controller) selectAmps(surplus float64) (int, bool) {
	selected := 0
	for _, amps := range c.config.AllowedAmps {
		draw := float64(amps) * c.config.Voltage * float64(c.config.Phases)
		if draw <= surplus {
			selected = amps
		}
	}
	if selected == 0 {
		return 0, false
	}
	return selected, true
}

func (c *Controller) requestStop(ctx context.Context, reason string) {
	if err := c.config.Charger.RequestStop(ctx, reason); err != nil {
		c.logger.Error("Failed to stop surplus charging", "error", err)
	}
}
