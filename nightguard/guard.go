package nightguard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helioshome/wallboxcontroller/telemetry"
	timeutils "github.com/helioshome/wallboxcontroller/time_utils"
)

// SessionState is the read-only view of the night charge scheduler the guard
// consults before vetoing a power draw.
type SessionState interface {
	Active() bool
	SessionStartedAt() time.Time // zero when no session is active
}

// ChargerController is the slice of the command controller the guard uses.
// IsCharging reflects the last hardware command the controller actually
// executed, never a merely requested one.
type ChargerController interface {
	RequestStop(ctx context.Context, reason string) error
	IsCharging() bool
}

// ProductionReader reports the current solar production in watts. The boolean
// is false when no sufficiently fresh reading is available.
type ProductionReader interface {
	Production() (float64, bool)
}

// OverrideReader reports whether the manual override is engaged.
type OverrideReader interface {
	OverrideActive() bool
}

type Journal interface {
	RecordEvent(component, kind, reason string)
}

type Config struct {
	Enabled            bool
	MinProductionWatts float64
	Suppression        time.Duration

	// ConfirmGrace bounds how long an active session is trusted without the
	// command controller having confirmed a start. Zero disables the check.
	ConfirmGrace time.Duration

	// the block window ends at the scheduled night-charge time when night
	// charging is enabled, at sunrise otherwise
	NightChargeEnabled bool
	Scheduled          timeutils.ClockTime

	Windows    *timeutils.NightWindows
	Scheduler  SessionState
	Charger    ChargerController
	Override   OverrideReader
	Production ProductionReader
	Journal    Journal
}

// Decision is the outcome of one guard evaluation.
type Decision struct {
	Blocked bool
	Reason  string
	At      time.Time
}

// Guard vetoes charger power draws that no decision-maker asked for: it fires
// whenever the hardware reports it started drawing power, and stops the
// charger unless the draw is covered by an override, an active scheduled
// session, or a permitted time of day.
//
// Put wallbox readings onto the `StatusChanges` channel; a transition into the
// charging status is the trigger.
type Guard struct {
	StatusChanges chan telemetry.ChargerReading

	config Config
	logger *slog.Logger

	mu           sync.Mutex
	lastStatus   telemetry.ChargerStatus
	lastStopAt   time.Time
	lastDecision Decision

	nowFunc func() time.Time
}

func New(config Config) *Guard {
	return &Guard{
		StatusChanges: make(chan telemetry.ChargerReading, 25), // a small buffer so a slow hardware command cannot stall the telemetry fan-out
		config:        config,
		logger:        slog.Default().With("component", "nightguard"),
		lastStatus:    telemetry.ChargerStatusUnknown,
		nowFunc:       time.Now,
	}
}

// Run consumes status readings until the context is cancelled, evaluating a
// veto on every transition into the charging status.
func (g *Guard) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case reading := <-g.StatusChanges:
			g.mu.Lock()
			previous := g.lastStatus
			g.lastStatus = reading.Status
			g.mu.Unlock()

			if reading.Status == telemetry.ChargerStatusCharging && previous != telemetry.ChargerStatusCharging {
				g.Evaluate(ctx)
			}
		}
	}
}

// LastDecision returns the outcome of the most recent evaluation.
func (g *Guard) LastDecision() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastDecision
}

// IsBlocked reports whether the most recent evaluation vetoed the draw.
func (g *Guard) IsBlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastDecision.Blocked
}

// Evaluate decides whether the current power draw is legitimate and, when it
// is not, stops the charger. The allow checks run in a fixed order so that an
// override or an active scheduled session is never second-guessed by the
// window arithmetic.
func (g *Guard) Evaluate(ctx context.Context) Decision {
	now := g.nowFunc()

	decision := g.decide(now)

	g.mu.Lock()
	g.lastDecision = decision
	suppressed := decision.Blocked && !g.lastStopAt.IsZero() && now.Sub(g.lastStopAt) < g.config.Suppression
	if decision.Blocked && !suppressed {
		g.lastStopAt = now
	}
	g.mu.Unlock()

	if !decision.Blocked {
		g.logger.Debug("Power draw allowed", "reason", decision.Reason)
		return decision
	}

	if suppressed {
		g.logger.Debug("Stop suppressed, already issued recently", "reason", decision.Reason)
		return decision
	}

	g.logger.Warn("Blocking unauthorised power draw", "reason", decision.Reason)
	g.recordEvent("block", decision.Reason)

	if err := g.config.Charger.RequestStop(ctx, "nighttime guard: "+decision.Reason); err != nil {
		g.logger.Error("Failed to stop unauthorised power draw", "error", err)
	}

	return decision
}

func (g *Guard) decide(now time.Time) Decision {
	if g.config.Override != nil && g.config.Override.OverrideActive() {
		return Decision{Blocked: false, Reason: "manual override active", At: now}
	}

	if g.config.Scheduler != nil && g.config.Scheduler.Active() {
		if g.sessionTrusted(now) {
			return Decision{Blocked: false, Reason: "scheduled overnight session active", At: now}
		}
		// A session that claims active without the controller ever having
		// confirmed a start within the grace period is inconsistent state:
		// the flag must not shield an uncommanded draw, so fall through to
		// the window checks.
		g.logger.Warn("Active session never confirmed by hardware, not trusting it")
	}

	if !g.config.Enabled {
		return Decision{Blocked: false, Reason: "guard disabled", At: now}
	}

	window := g.config.Windows.NightlyBlockWindow(now, g.config.Scheduled, g.config.NightChargeEnabled)
	if window.Contains(now) {
		return Decision{
			Blocked: true,
			Reason:  fmt.Sprintf("inside nightly block window %s", window.String()),
			At:      now,
		}
	}

	production, ok := g.config.Production.Production()
	if ok && production < g.config.MinProductionWatts {
		return Decision{
			Blocked: true,
			Reason:  fmt.Sprintf("production %.0fW below threshold %.0fW", production, g.config.MinProductionWatts),
			At:      now,
		}
	}
	if !ok {
		// a dead production sensor outside the block window should not kill a
		// daytime charge
		return Decision{Blocked: false, Reason: "outside block window, production unavailable", At: now}
	}

	return Decision{Blocked: false, Reason: "outside block window, production sufficient", At: now}
}

// sessionTrusted reports whether the scheduler's active-session flag can be
// believed: either the controller has executed a start, or the session is
// still inside the grace period in which confirmation is pending.
func (g *Guard) sessionTrusted(now time.Time) bool {
	if g.config.ConfirmGrace <= 0 {
		return true
	}
	if g.config.Charger.IsCharging() {
		return true
	}
	startedAt := g.config.Scheduler.SessionStartedAt()
	return startedAt.IsZero() || now.Sub(startedAt) <= g.config.ConfirmGrace
}

func (g *Guard) recordEvent(kind, reason string) {
	if g.config.Journal != nil {
		g.config.Journal.RecordEvent("nightguard", kind, reason)
	}
}
