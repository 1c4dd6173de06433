package nightguard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioshome/wallboxcontroller/telemetry"
	timeutils "github.com/helioshome/wallboxcontroller/time_utils"
)

type fixedSun struct {
	location *time.Location
}

func (f *fixedSun) Sunrise(t time.Time) time.Time {
	t = t.In(f.location)
	return time.Date(t.Year(), t.Month(), t.Day(), 7, 0, 0, 0, f.location)
}

func (f *fixedSun) Sunset(t time.Time) time.Time {
	t = t.In(f.location)
	return time.Date(t.Year(), t.Month(), t.Day(), 18, 30, 0, 0, f.location)
}

type stubScheduler struct {
	active    bool
	startedAt time.Time
}

func (s *stubScheduler) Active() bool { return s.active }

func (s *stubScheduler) SessionStartedAt() time.Time { return s.startedAt }

type stubOverride struct {
	active bool
}

func (s *stubOverride) OverrideActive() bool { return s.active }

type stubProduction struct {
	watts float64
	ok    bool
}

func (s *stubProduction) Production() (float64, bool) { return s.watts, s.ok }

type stubCharger struct {
	mu          sync.Mutex
	stopReasons []string
	charging    bool
}

func (c *stubCharger) RequestStop(_ context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopReasons = append(c.stopReasons, reason)
	return nil
}

func (c *stubCharger) IsCharging() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.charging
}

func (c *stubCharger) stops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stopReasons...)
}

type guardFixture struct {
	guard      *Guard
	scheduler  *stubScheduler
	override   *stubOverride
	production *stubProduction
	charger    *stubCharger
	berlin     *time.Location
	now        time.Time
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	scheduler := &stubScheduler{}
	override := &stubOverride{}
	production := &stubProduction{watts: 1200, ok: true}
	charger := &stubCharger{}

	guard := New(Config{
		Enabled:            true,
		MinProductionWatts: 300,
		Suppression:        5 * time.Minute,
		ConfirmGrace:       90 * time.Second,
		NightChargeEnabled: true,
		Scheduled:          timeutils.ClockTime{Hour: 1, Minute: 0, Location: berlin},
		Windows:            timeutils.NewNightWindows(&fixedSun{location: berlin}, berlin),
		Scheduler:          scheduler,
		Charger:            charger,
		Override:           override,
		Production:         production,
	})

	return &guardFixture{
		guard:      guard,
		scheduler:  scheduler,
		override:   override,
		production: production,
		charger:    charger,
		berlin:     berlin,
	}
}

func (f *guardFixture) at(hour, min int) {
	// Wednesday 2026-03-11
	f.now = time.Date(2026, 3, 11, hour, min, 0, 0, f.berlin)
	instant := f.now
	f.guard.nowFunc = func() time.Time { return instant }
}

func TestBlocksInsideNightWindow(t *testing.T) {
	f := newGuardFixture(t)
	f.at(23, 30) // between sunset 18:30 and the 01:00 scheduled time

	decision := f.guard.Evaluate(context.Background())

	assert.True(t, decision.Blocked)
	assert.Contains(t, decision.Reason, "block window")
	require.Len(t, f.charger.stops(), 1)
	assert.Contains(t, f.charger.stops()[0], "nighttime guard")
	assert.True(t, f.guard.IsBlocked())
}

func TestAllowsAfterScheduledTime(t *testing.T) {
	f := newGuardFixture(t)

	// 02:20 is past the 01:00 block-window end of the current night: a car
	// arriving late must not be vetoed
	f.at(2, 20)

	decision := f.guard.Evaluate(context.Background())

	assert.False(t, decision.Blocked)
	assert.Empty(t, f.charger.stops())
}

func TestAllowsWhenOverrideActive(t *testing.T) {
	f := newGuardFixture(t)
	f.at(23, 30)
	f.override.active = true

	decision := f.guard.Evaluate(context.Background())

	assert.False(t, decision.Blocked)
	assert.Equal(t, "manual override active", decision.Reason)
	assert.Empty(t, f.charger.stops())
}

func TestAllowsWhenSchedulerSessionActive(t *testing.T) {
	f := newGuardFixture(t)
	f.at(23, 30)
	f.scheduler.active = true
	f.scheduler.startedAt = f.now.Add(-30 * time.Second)

	decision := f.guard.Evaluate(context.Background())

	assert.False(t, decision.Blocked)
	assert.Contains(t, decision.Reason, "session active")
	assert.Empty(t, f.charger.stops())
}

func TestAllowsConfirmedSessionPastGracePeriod(t *testing.T) {
	f := newGuardFixture(t)
	f.at(23, 30)
	f.scheduler.active = true
	f.scheduler.startedAt = f.now.Add(-2 * time.Hour)
	f.charger.charging = true

	decision := f.guard.Evaluate(context.Background())

	assert.False(t, decision.Blocked)
	assert.Empty(t, f.charger.stops())
}

func TestStaleUnconfirmedSessionDoesNotShieldNightDraw(t *testing.T) {
	f := newGuardFixture(t)
	f.at(23, 30)

	// the session flag is hours old but the command controller never
	// executed a start: whatever is drawing power was not commanded
	f.scheduler.active = true
	f.scheduler.startedAt = f.now.Add(-2 * time.Hour)
	f.charger.charging = false

	decision := f.guard.Evaluate(context.Background())

	assert.True(t, decision.Blocked)
	require.Len(t, f.charger.stops(), 1)
}

func TestAllowsWhenDisabled(t *testing.T) {
	f := newGuardFixture(t)
	f.at(23, 30)
	f.guard.config.Enabled = false

	decision := f.guard.Evaluate(context.Background())

	assert.False(t, decision.Blocked)
	assert.Empty(t, f.charger.stops())
}

func TestBlocksOnLowProductionOutsideWindow(t *testing.T) {
	f := newGuardFixture(t)
	f.at(12, 0)
	f.production.watts = 150

	decision := f.guard.Evaluate(context.Background())

	assert.True(t, decision.Blocked)
	assert.Contains(t, decision.Reason, "below threshold")
	require.Len(t, f.charger.stops(), 1)
}

func TestAllowsDaytimeWithSufficientProduction(t *testing.T) {
	f := newGuardFixture(t)
	f.at(12, 0)

	decision := f.guard.Evaluate(context.Background())

	assert.False(t, decision.Blocked)
	assert.Empty(t, f.charger.stops())
}

func TestAllowsDaytimeWhenProductionUnavailable(t *testing.T) {
	f := newGuardFixture(t)
	f.at(12, 0)
	f.production.ok = false

	decision := f.guard.Evaluate(context.Background())

	assert.False(t, decision.Blocked)
	assert.Contains(t, decision.Reason, "unavailable")
	assert.Empty(t, f.charger.stops())
}

func TestSuppressionAvoidsStopStorm(t *testing.T) {
	f := newGuardFixture(t)
	f.at(23, 30)

	f.guard.Evaluate(context.Background())
	require.Len(t, f.charger.stops(), 1)

	// a second trigger within the suppression window still reports blocked
	// but issues no second stop
	f.at(23, 32)
	decision := f.guard.Evaluate(context.Background())
	assert.True(t, decision.Blocked)
	assert.Len(t, f.charger.stops(), 1)

	// past the suppression window the stop is issued again
	f.at(23, 40)
	f.guard.Evaluate(context.Background())
	assert.Len(t, f.charger.stops(), 2)
}

func TestRunTriggersOnChargingTransition(t *testing.T) {
	f := newGuardFixture(t)
	f.at(23, 30)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.guard.Run(ctx)

	f.guard.StatusChanges <- telemetry.ChargerReading{Status: telemetry.ChargerStatusCharging}

	require.Eventually(t, func() bool {
		return len(f.charger.stops()) == 1
	}, time.Second, 5*time.Millisecond)

	// repeated charging readings without a transition do not re-evaluate
	f.guard.StatusChanges <- telemetry.ChargerReading{Status: telemetry.ChargerStatusCharging}
	f.guard.StatusChanges <- telemetry.ChargerReading{Status: telemetry.ChargerStatusDisconnected}

	assert.Len(t, f.charger.stops(), 1)
}
