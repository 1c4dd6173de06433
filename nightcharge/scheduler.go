package nightcharge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/helioshome/wallboxcontroller/telemetry"
	timeutils "github.com/helioshome/wallboxcontroller/time_utils"
)

const (
	eventStartBattery = "start_battery"
	eventStartGrid    = "start_grid"
	eventComplete     = "complete"
)

// Inputs provides the read-only external readings the scheduler consumes.
// The boolean is false when a reading is currently unavailable.
type Inputs interface {
	EvSoc() (float64, bool)
	BufferSoc() (float64, bool)
	ForecastKwh() (float64, bool)
	OverrideActive() bool
}

// ChargerController is the narrow slice of the command controller the
// scheduler is allowed to use. All hardware changes go through it.
type ChargerController interface {
	RequestStart(ctx context.Context, amps int, reason string) error
	RequestStop(ctx context.Context, reason string) error
	IsCharging() bool
}

// Journal records completed sessions and notable decisions. A nil journal
// disables recording.
type Journal interface {
	RecordEvent(component, kind, reason string)
	RecordSession(mode string, startedAt, completedAt time.Time, stopReason string)
}

type Config struct {
	Enabled              bool
	Scheduled            timeutils.ClockTime
	ChargeAmps           int
	ForecastThresholdKwh float64
	BatteryAssistEnabled bool
	BufferFloorPercent   float64
	EvTargets            [7]float64
	CarReady             [7]bool
	CarReadyDeadline     timeutils.ClockTime
	Cooldown             time.Duration
	MonitorInterval      time.Duration
	ConfirmGrace         time.Duration

	Windows *timeutils.NightWindows
	Charger ChargerController
	Inputs  Inputs
	Journal Journal
}

// Scheduler decides, once per scheduled night window, whether to run an
// overnight charge session from the grid or from the house buffer, starts it
// through the command controller, and monitors it until a stop condition
// fires.
//
// Put wallbox readings onto the `StatusChanges` channel; a transition from
// unplugged to connected acts as the "late arrival" trigger.
//
// All session state is mutated under one lock, and the state machine is
// flipped to the active mode *before* the start command is issued, so a
// concurrent observer (the nighttime guard) can never see a stale Idle while
// the hardware is already being started.
type Scheduler struct {
	StatusChanges chan telemetry.ChargerReading

	config Config
	logger *slog.Logger

	mu              sync.Mutex
	machine         *fsm.FSM
	session         Session
	lastCompletedAt time.Time
	lastStatus      telemetry.ChargerStatus

	// bounds of the currently running night, fixed at session start
	nightEvTarget float64
	nightSunrise  time.Time
	nightDeadline time.Time
	nightCarReady bool

	monitorCancel context.CancelFunc

	nowFunc func() time.Time
}

func New(config Config) *Scheduler {
	scheduler := &Scheduler{
		StatusChanges: make(chan telemetry.ChargerReading, 25), // a small buffer so a slow hardware command cannot stall the telemetry fan-out
		config:        config,
		logger:        slog.Default().With("component", "nightcharge"),
		lastStatus:    telemetry.ChargerStatusUnknown,
		nowFunc:       time.Now,
	}

	scheduler.machine = fsm.NewFSM(
		string(ModeIdle),
		fsm.Events{
			{Name: eventStartBattery, Src: []string{string(ModeIdle)}, Dst: string(ModeBattery)},
			{Name: eventStartGrid, Src: []string{string(ModeIdle)}, Dst: string(ModeGrid)},
			{Name: eventComplete, Src: []string{string(ModeBattery), string(ModeGrid)}, Dst: string(ModeIdle)},
		},
		fsm.Callbacks{},
	)

	return scheduler
}

// Run loops forever, evaluating a session start at the scheduled clock time
// and whenever the charger reports a newly connected car.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.untilNextScheduled())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopMonitor()
			return

		case <-timer.C:
			s.evaluateStart(ctx, "scheduled time reached")
			timer.Reset(s.untilNextScheduled())

		case reading := <-s.StatusChanges:
			s.mu.Lock()
			previous := s.lastStatus
			s.lastStatus = reading.Status
			s.mu.Unlock()

			arrived := (previous == telemetry.ChargerStatusDisconnected || previous == telemetry.ChargerStatusUnknown) &&
				(reading.Status == telemetry.ChargerStatusConnected || reading.Status == telemetry.ChargerStatusCharging)
			if arrived {
				s.evaluateStart(ctx, "car connected")
			}
		}
	}
}

// Active reports whether a session is currently running.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.machine.Is(string(ModeIdle))
}

// Mode returns the active session mode, ModeIdle if none.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Mode(s.machine.Current())
}

// SessionStartedAt returns the start time of the active session, the zero
// time when none is running.
func (s *Scheduler) SessionStartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Is(string(ModeIdle)) {
		return time.Time{}
	}
	return s.session.StartedAt
}

// SessionSnapshot returns a copy of the current (or most recently completed)
// session record.
func (s *Scheduler) SessionSnapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Scheduler) untilNextScheduled() time.Duration {
	next := timeutils.ResolveOccurrence(s.config.Scheduled, s.nowFunc(), timeutils.NextFutureOrSame)
	wait := next.Sub(s.nowFunc())
	if wait <= 0 {
		// the occurrence we just fired on: aim for tomorrow's
		wait += 24 * time.Hour
	}
	return wait
}

func (s *Scheduler) deadlineFor(morning time.Time) (timeutils.ClockTime, bool) {
	if s.config.CarReady[timeutils.WeekdayIndex(morning)] {
		return s.config.CarReadyDeadline, true
	}
	return timeutils.ClockTime{}, false
}

// evaluateStart runs the pre-checks and, if they pass, starts a session. The
// session state is committed before the start command is issued.
func (s *Scheduler) evaluateStart(ctx context.Context, trigger string) {
	if !s.config.Enabled {
		return
	}

	now := s.nowFunc()

	s.mu.Lock()
	if !s.machine.Is(string(ModeIdle)) {
		s.mu.Unlock()
		return
	}
	if !s.lastCompletedAt.IsZero() && now.Sub(s.lastCompletedAt) < s.config.Cooldown {
		s.mu.Unlock()
		s.logger.Debug("Start suppressed by cooldown", "trigger", trigger)
		return
	}
	status := s.lastStatus
	s.mu.Unlock()

	if status != telemetry.ChargerStatusConnected && status != telemetry.ChargerStatusFinished {
		s.logger.Debug("No connected car, not starting", "trigger", trigger, "status", status)
		return
	}

	window := s.config.Windows.ActivationWindow(now, s.config.Scheduled, s.deadlineFor)
	if !window.Contains(now) {
		s.logger.Debug("Outside activation window, not starting",
			"trigger", trigger,
			"window", window.String(),
		)
		return
	}

	morningCarReady := false
	if _, ok := s.deadlineFor(window.End); ok {
		morningCarReady = true
	}

	evTarget := s.config.EvTargets[timeutils.WeekdayIndex(window.End)]
	evSoc, evOk := s.config.Inputs.EvSoc()
	if evOk && evSoc >= evTarget {
		s.logger.Info("EV already at target, not starting",
			"trigger", trigger,
			"ev_soc", evSoc,
			"ev_target", evTarget,
		)
		return
	}

	mode, reason, ok := s.chooseMode(morningCarReady)
	if !ok {
		s.logger.Info("Overnight charge skipped", "trigger", trigger, "reason", reason)
		s.recordEvent("skip", reason)
		return
	}

	s.mu.Lock()
	if !s.machine.Is(string(ModeIdle)) {
		s.mu.Unlock()
		return
	}

	s.session = Session{Mode: mode, StartedAt: now}
	s.nightEvTarget = evTarget
	s.nightCarReady = morningCarReady
	s.nightDeadline = window.End
	s.nightSunrise = window.End
	if morningCarReady {
		// window end is the deadline, the sunrise condition needs its own instant
		noDeadline := s.config.Windows.ActivationWindow(now, s.config.Scheduled, nil)
		s.nightSunrise = noDeadline.End
	}

	event := eventStartGrid
	if mode == ModeBattery {
		event = eventStartBattery
	}
	if err := s.machine.Event(ctx, event); err != nil {
		s.mu.Unlock()
		s.logger.Error("State transition rejected", "event", event, "error", err)
		return
	}

	monitorCtx, monitorCancel := context.WithCancel(ctx)
	s.monitorCancel = monitorCancel
	s.mu.Unlock()

	startReason := fmt.Sprintf("overnight charge (%s): %s", mode, reason)
	s.logger.Info("Starting overnight charge session",
		"trigger", trigger,
		"mode", mode,
		"reason", reason,
		"amps", s.config.ChargeAmps,
	)

	if err := s.config.Charger.RequestStart(ctx, s.config.ChargeAmps, startReason); err != nil {
		s.logger.Error("Failed to start overnight charge", "error", err)

		// revert without a cooldown so the next trigger can retry
		s.mu.Lock()
		monitorCancel()
		s.monitorCancel = nil
		s.session = Session{}
		_ = s.machine.Event(ctx, eventComplete)
		s.mu.Unlock()
		return
	}

	s.recordEvent("start", startReason)
	go s.monitor(monitorCtx)
}

// chooseMode picks the session's energy source. The buffer pre-check happens
// here, before any command is issued: starting a battery session that the
// first monitor tick would immediately abort causes a pointless
// discharge-then-stop cycle on the buffer.
func (s *Scheduler) chooseMode(morningCarReady bool) (Mode, string, bool) {
	forecast, forecastOk := s.config.Inputs.ForecastKwh()

	wantBattery := s.config.BatteryAssistEnabled && forecastOk && forecast >= s.config.ForecastThresholdKwh
	if !wantBattery {
		reason := "battery assist disabled"
		if s.config.BatteryAssistEnabled {
			reason = fmt.Sprintf("forecast %.1fkWh below threshold %.1fkWh", forecast, s.config.ForecastThresholdKwh)
			if !forecastOk {
				reason = "forecast unavailable"
			}
		}
		// A grid charge costs money, so it only runs when the car actually
		// has to be ready in the morning.
		if morningCarReady {
			return ModeGrid, reason + ", car-ready morning", true
		}
		return ModeIdle, reason + ", not a car-ready morning, skipping", false
	}

	bufferSoc, bufferOk := s.config.Inputs.BufferSoc()
	if bufferOk && bufferSoc > s.config.BufferFloorPercent {
		return ModeBattery, fmt.Sprintf("forecast %.1fkWh above threshold, buffer at %.0f%%", forecast, bufferSoc), true
	}

	// buffer unusable: fall back to grid only if the car must be ready
	floorReason := fmt.Sprintf("buffer at %.0f%% at or below protection floor %.0f%%", bufferSoc, s.config.BufferFloorPercent)
	if !bufferOk {
		floorReason = "buffer SoC unavailable"
	}
	if morningCarReady {
		return ModeGrid, floorReason + ", car-ready morning requires grid charge", true
	}
	return ModeIdle, floorReason + ", skipping tonight", false
}

// monitor evaluates the stop conditions every tick until one fires or the
// context is cancelled. Both battery and grid sessions run the identical
// loop.
func (s *Scheduler) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stopped := s.checkStop(ctx); stopped {
				return
			}
		}
	}
}

// checkStop evaluates the stop conditions in precedence order and completes
// the session when one holds. Target-reached ranks above the car-ready
// deadline: when both hold in the same tick the session stops because it is
// no longer needed, not because it ran out of time.
func (s *Scheduler) checkStop(ctx context.Context) bool {
	now := s.nowFunc()

	s.mu.Lock()
	if s.machine.Is(string(ModeIdle)) {
		s.mu.Unlock()
		return true
	}
	mode := s.session.Mode
	startedAt := s.session.StartedAt
	status := s.lastStatus
	evTarget := s.nightEvTarget
	carReady := s.nightCarReady
	deadline := s.nightDeadline
	sunriseAt := s.nightSunrise
	s.mu.Unlock()

	if evSoc, ok := s.config.Inputs.EvSoc(); ok && evSoc >= evTarget {
		s.complete(ctx, now, fmt.Sprintf("EV target SoC reached (%.0f%% >= %.0f%%)", evSoc, evTarget))
		return true
	}

	if mode == ModeBattery {
		if bufferSoc, ok := s.config.Inputs.BufferSoc(); ok && bufferSoc <= s.config.BufferFloorPercent {
			s.complete(ctx, now, fmt.Sprintf("buffer protection floor reached (%.0f%% <= %.0f%%)", bufferSoc, s.config.BufferFloorPercent))
			return true
		}
	}

	if status == telemetry.ChargerStatusDisconnected {
		s.complete(ctx, now, "charger disconnected")
		return true
	}

	if s.config.Inputs.OverrideActive() {
		s.complete(ctx, now, "manual override engaged")
		return true
	}

	if carReady && !now.Before(deadline) {
		s.complete(ctx, now, "car-ready deadline reached")
		return true
	}

	if !carReady && !now.Before(sunriseAt) {
		s.complete(ctx, now, "sunrise reached")
		return true
	}

	// A session that claims to be active but whose hardware never confirmed
	// within the grace period is inconsistent state: trust the device, not
	// the flag.
	if s.config.ConfirmGrace > 0 &&
		now.Sub(startedAt) > s.config.ConfirmGrace &&
		!s.config.Charger.IsCharging() &&
		status != telemetry.ChargerStatusCharging {
		s.complete(ctx, now, "hardware never confirmed charging")
		return true
	}

	return false
}

// complete ends the active session: the monitor loop is cancelled and the
// cooldown started under the same lock that flips the state machine, so no
// other trigger can observe Idle and start a new session in between.
func (s *Scheduler) complete(ctx context.Context, now time.Time, reason string) {
	s.mu.Lock()
	if s.machine.Is(string(ModeIdle)) {
		s.mu.Unlock()
		return
	}

	if s.monitorCancel != nil {
		s.monitorCancel()
		s.monitorCancel = nil
	}

	s.session.CompletedAt = now
	s.lastCompletedAt = now
	session := s.session
	_ = s.machine.Event(ctx, eventComplete)
	s.mu.Unlock()

	s.logger.Info("Overnight charge session completed",
		"mode", session.Mode,
		"started_at", session.StartedAt,
		"reason", reason,
	)

	// ctx is usually the monitor context, which was cancelled above; the
	// stop command must not die with it.
	stopCtx := context.WithoutCancel(ctx)
	if err := s.config.Charger.RequestStop(stopCtx, reason); err != nil {
		s.logger.Error("Failed to stop charger on session completion", "error", err)
	}

	if s.config.Journal != nil {
		s.config.Journal.RecordSession(string(session.Mode), session.StartedAt, session.CompletedAt, reason)
	}
}

func (s *Scheduler) stopMonitor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitorCancel != nil {
		s.monitorCancel()
		s.monitorCancel = nil
	}
}

func (s *Scheduler) recordEvent(kind, reason string) {
	if s.config.Journal != nil {
		s.config.Journal.RecordEvent("nightcharge", kind, reason)
	}
}
