package nightcharge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioshome/wallboxcontroller/telemetry"
	timeutils "github.com/helioshome/wallboxcontroller/time_utils"
)

// fixedSun gives every day a 07:00 sunrise and 18:30 sunset so the window
// arithmetic in the tests is easy to follow.
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

type stubInputs struct {
	mu         sync.Mutex
	evSoc      float64
	evOk       bool
	bufferSoc  float64
	bufferOk   bool
	forecast   float64
	forecastOk bool
	override   bool
}

func (s *stubInputs) EvSoc() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evSoc, s.evOk
}

func (s *stubInputs) BufferSoc() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferSoc, s.bufferOk
}

func (s *stubInputs) ForecastKwh() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forecast, s.forecastOk
}

func (s *stubInputs) OverrideActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.override
}

func (s *stubInputs) setBufferSoc(soc float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferSoc = soc
}

func (s *stubInputs) setEvSoc(soc float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evSoc = soc
}

type stubCharger struct {
	mu              sync.Mutex
	startReasons    []string
	stopReasons     []string
	charging        bool
	failStart       bool
	confirmCharging bool
	honorContext    bool // reject requests whose context is already done, like the real queue
}

func (c *stubCharger) RequestStart(_ context.Context, amps int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failStart {
		return errors.New("actuator unreachable")
	}
	c.startReasons = append(c.startReasons, reason)
	if c.confirmCharging {
		c.charging = true
	}
	return nil
}

func (c *stubCharger) RequestStop(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.honorContext && ctx.Err() != nil {
		return ctx.Err()
	}
	c.stopReasons = append(c.stopReasons, reason)
	c.charging = false
	return nil
}

func (c *stubCharger) IsCharging() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.charging
}

func (c *stubCharger) starts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.startReasons...)
}

func (c *stubCharger) stops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stopReasons...)
}

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

type testFixture struct {
	scheduler *Scheduler
	inputs    *stubInputs
	charger   *stubCharger
	now       *fakeNow
	berlin    *time.Location
}

// newTestFixture builds a scheduler in the small hours of Wednesday
// 2026-03-11 with the documented end-to-end scenario values: forecast 25kWh
// against a 20kWh threshold, buffer at 50% against a 20% floor, EV at 40%
// against an 80% target, car connected.
func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	now := &fakeNow{t: time.Date(2026, 3, 11, 1, 30, 0, 0, berlin)}
	inputs := &stubInputs{
		evSoc: 40, evOk: true,
		bufferSoc: 50, bufferOk: true,
		forecast: 25, forecastOk: true,
	}
	charger := &stubCharger{confirmCharging: true}

	config := Config{
		Enabled:              true,
		Scheduled:            timeutils.ClockTime{Hour: 1, Minute: 0, Location: berlin},
		ChargeAmps:           16,
		ForecastThresholdKwh: 20,
		BatteryAssistEnabled: true,
		BufferFloorPercent:   20,
		CarReadyDeadline:     timeutils.ClockTime{Hour: 9, Minute: 0, Location: berlin},
		Cooldown:             time.Hour,
		MonitorInterval:      time.Hour, // ticks are driven manually via checkStop
		ConfirmGrace:         90 * time.Second,
		Windows:              timeutils.NewNightWindows(&fixedSun{location: berlin}, berlin),
		Charger:              charger,
		Inputs:               inputs,
	}
	for i := range config.EvTargets {
		config.EvTargets[i] = 80
	}

	scheduler := New(config)
	scheduler.nowFunc = now.Now
	scheduler.lastStatus = telemetry.ChargerStatusConnected

	return &testFixture{
		scheduler: scheduler,
		inputs:    inputs,
		charger:   charger,
		now:       now,
		berlin:    berlin,
	}
}

func TestBatterySessionStopsAtBufferFloor(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	f.scheduler.evaluateStart(ctx, "scheduled time reached")

	require.True(t, f.scheduler.Active())
	assert.Equal(t, ModeBattery, f.scheduler.Mode())
	require.Len(t, f.charger.starts(), 1)
	assert.Contains(t, f.charger.starts()[0], "battery")

	// the buffer drains to its protection floor
	f.inputs.setBufferSoc(20)
	f.now.Set(time.Date(2026, 3, 11, 3, 0, 0, 0, f.berlin))

	require.True(t, f.scheduler.checkStop(ctx))
	assert.False(t, f.scheduler.Active())

	stops := f.charger.stops()
	require.Len(t, stops, 1)
	assert.Contains(t, stops[0], "buffer protection floor reached")

	session := f.scheduler.SessionSnapshot()
	assert.Equal(t, ModeBattery, session.Mode)
	assert.False(t, session.CompletedAt.IsZero())

	// no residual double-stop after completion
	require.True(t, f.scheduler.checkStop(ctx))
	assert.Len(t, f.charger.stops(), 1)
}

func TestSkipWhenForecastLowAndNotCarReady(t *testing.T) {
	f := newTestFixture(t)
	f.inputs.forecast = 15
	f.inputs.bufferSoc = 15

	f.scheduler.evaluateStart(context.Background(), "scheduled time reached")

	assert.False(t, f.scheduler.Active())
	assert.Empty(t, f.charger.starts())
	assert.Empty(t, f.charger.stops())
}

func TestGridWhenForecastLowOnCarReadyMorning(t *testing.T) {
	f := newTestFixture(t)
	f.inputs.forecast = 15
	f.scheduler.config.CarReady[2] = true // Wednesday morning

	f.scheduler.evaluateStart(context.Background(), "scheduled time reached")

	require.True(t, f.scheduler.Active())
	assert.Equal(t, ModeGrid, f.scheduler.Mode())
}

func TestBatteryPrecheckFallsBackToGrid(t *testing.T) {
	f := newTestFixture(t)
	f.inputs.bufferSoc = 15 // below the 20% floor at pre-check
	f.scheduler.config.CarReady[2] = true

	f.scheduler.evaluateStart(context.Background(), "scheduled time reached")

	// the pre-check avoids a brief discharge-then-abort cycle: no battery
	// session is ever started
	require.True(t, f.scheduler.Active())
	assert.Equal(t, ModeGrid, f.scheduler.Mode())
	require.Len(t, f.charger.starts(), 1)
}

func TestBatteryPrecheckSkipsWhenNotCarReady(t *testing.T) {
	f := newTestFixture(t)
	f.inputs.bufferSoc = 15

	f.scheduler.evaluateStart(context.Background(), "scheduled time reached")

	assert.False(t, f.scheduler.Active())
	assert.Empty(t, f.charger.starts())
}

func TestLateArrivalInsideWindow(t *testing.T) {
	f := newTestFixture(t)

	// 02:20 is after the 01:00 scheduled time but before sunrise: the
	// activation window of the current night must still admit the start
	f.now.Set(time.Date(2026, 3, 11, 2, 20, 0, 0, f.berlin))

	f.scheduler.evaluateStart(context.Background(), "car connected")

	assert.True(t, f.scheduler.Active())
}

func TestNoStartOutsideActivationWindow(t *testing.T) {
	f := newTestFixture(t)
	f.now.Set(time.Date(2026, 3, 11, 12, 0, 0, 0, f.berlin))

	f.scheduler.evaluateStart(context.Background(), "car connected")

	assert.False(t, f.scheduler.Active())
	assert.Empty(t, f.charger.starts())
}

func TestNoStartWhenCarNotConnected(t *testing.T) {
	f := newTestFixture(t)
	f.scheduler.lastStatus = telemetry.ChargerStatusDisconnected

	f.scheduler.evaluateStart(context.Background(), "scheduled time reached")

	assert.False(t, f.scheduler.Active())
}

func TestNoStartWhenTargetAlreadyReached(t *testing.T) {
	f := newTestFixture(t)
	f.inputs.evSoc = 85

	f.scheduler.evaluateStart(context.Background(), "scheduled time reached")

	assert.False(t, f.scheduler.Active())
	assert.Empty(t, f.charger.starts())
}

func TestTargetReachedBeatsDeadline(t *testing.T) {
	f := newTestFixture(t)
	f.scheduler.config.CarReady[2] = true
	ctx := context.Background()

	f.scheduler.evaluateStart(ctx, "scheduled time reached")
	require.True(t, f.scheduler.Active())

	// both "target reached" and "deadline reached" hold in the same tick:
	// the session must stop because it is no longer needed
	f.inputs.setEvSoc(85)
	f.now.Set(time.Date(2026, 3, 11, 9, 30, 0, 0, f.berlin))

	require.True(t, f.scheduler.checkStop(ctx))
	stops := f.charger.stops()
	require.Len(t, stops, 1)
	assert.Contains(t, stops[0], "EV target SoC reached")
}

func TestSunriseStopsWhenNotCarReady(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	f.scheduler.evaluateStart(ctx, "scheduled time reached")
	require.True(t, f.scheduler.Active())

	f.now.Set(time.Date(2026, 3, 11, 7, 1, 0, 0, f.berlin))

	require.True(t, f.scheduler.checkStop(ctx))
	stops := f.charger.stops()
	require.Len(t, stops, 1)
	assert.Contains(t, stops[0], "sunrise reached")
}

func TestCarReadyMorningRunsPastSunriseUntilDeadline(t *testing.T) {
	f := newTestFixture(t)
	f.scheduler.config.CarReady[2] = true
	ctx := context.Background()

	f.scheduler.evaluateStart(ctx, "scheduled time reached")
	require.True(t, f.scheduler.Active())

	// past sunrise but before the 09:00 deadline: keeps charging
	f.now.Set(time.Date(2026, 3, 11, 7, 30, 0, 0, f.berlin))
	assert.False(t, f.scheduler.checkStop(ctx))
	assert.True(t, f.scheduler.Active())

	// deadline reached with the target still unmet: stops
	f.now.Set(time.Date(2026, 3, 11, 9, 0, 0, 0, f.berlin))
	require.True(t, f.scheduler.checkStop(ctx))
	stops := f.charger.stops()
	require.Len(t, stops, 1)
	assert.Contains(t, stops[0], "car-ready deadline reached")
}

func TestDisconnectStopsSession(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	f.scheduler.evaluateStart(ctx, "scheduled time reached")
	require.True(t, f.scheduler.Active())

	f.scheduler.mu.Lock()
	f.scheduler.lastStatus = telemetry.ChargerStatusDisconnected
	f.scheduler.mu.Unlock()
	f.now.Set(time.Date(2026, 3, 11, 3, 0, 0, 0, f.berlin))

	require.True(t, f.scheduler.checkStop(ctx))
	stops := f.charger.stops()
	require.Len(t, stops, 1)
	assert.Contains(t, stops[0], "disconnected")
}

func TestOverrideStopsSession(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	f.scheduler.evaluateStart(ctx, "scheduled time reached")
	require.True(t, f.scheduler.Active())

	f.inputs.mu.Lock()
	f.inputs.override = true
	f.inputs.mu.Unlock()
	f.now.Set(time.Date(2026, 3, 11, 3, 0, 0, 0, f.berlin))

	require.True(t, f.scheduler.checkStop(ctx))
	stops := f.charger.stops()
	require.Len(t, stops, 1)
	assert.Contains(t, stops[0], "manual override")
}

func TestCooldownSuppressesRestart(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	f.scheduler.evaluateStart(ctx, "scheduled time reached")
	f.inputs.setBufferSoc(20)
	f.now.Set(time.Date(2026, 3, 11, 2, 0, 0, 0, f.berlin))
	require.True(t, f.scheduler.checkStop(ctx))
	require.False(t, f.scheduler.Active())

	// conditions favour a restart again, but the cooldown holds
	f.inputs.setBufferSoc(60)
	f.now.Set(time.Date(2026, 3, 11, 2, 30, 0, 0, f.berlin))
	f.scheduler.evaluateStart(ctx, "car connected")

	assert.False(t, f.scheduler.Active())
	assert.Len(t, f.charger.starts(), 1)
}

func TestFailedStartRevertsWithoutCooldown(t *testing.T) {
	f := newTestFixture(t)
	f.charger.failStart = true
	ctx := context.Background()

	f.scheduler.evaluateStart(ctx, "scheduled time reached")
	assert.False(t, f.scheduler.Active())

	// no cooldown: the next trigger may retry immediately
	f.charger.mu.Lock()
	f.charger.failStart = false
	f.charger.mu.Unlock()
	f.scheduler.evaluateStart(ctx, "car connected")
	assert.True(t, f.scheduler.Active())
}

func TestUnconfirmedHardwareEndsSession(t *testing.T) {
	f := newTestFixture(t)
	f.charger.confirmCharging = false
	ctx := context.Background()

	f.scheduler.evaluateStart(ctx, "scheduled time reached")
	require.True(t, f.scheduler.Active())

	// inside the grace period the flag is trusted
	f.now.Set(time.Date(2026, 3, 11, 1, 31, 0, 0, f.berlin))
	assert.False(t, f.scheduler.checkStop(ctx))

	// past the grace period with no hardware confirmation: the actual
	// device state wins over the session flag
	f.now.Set(time.Date(2026, 3, 11, 1, 34, 0, 0, f.berlin))
	require.True(t, f.scheduler.checkStop(ctx))

	stops := f.charger.stops()
	require.Len(t, stops, 1)
	assert.True(t, strings.Contains(stops[0], "never confirmed"))
}

func TestCompletionStopOutlivesMonitorCancel(t *testing.T) {
	f := newTestFixture(t)
	f.charger.honorContext = true
	f.scheduler.config.MonitorInterval = 5 * time.Millisecond

	f.scheduler.evaluateStart(context.Background(), "scheduled time reached")
	require.True(t, f.scheduler.Active())

	// the real monitor loop detects the floor breach; completion cancels the
	// monitor context, but the stop command must still go through
	f.inputs.setBufferSoc(20)
	f.now.Set(time.Date(2026, 3, 11, 3, 0, 0, 0, f.berlin))

	require.Eventually(t, func() bool {
		return len(f.charger.stops()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, f.scheduler.Active())
	assert.Contains(t, f.charger.stops()[0], "buffer protection floor reached")
}

func TestStatusChangesAcceptBurstWithoutConsumer(t *testing.T) {
	f := newTestFixture(t)

	// the fan-out must be able to ride out tens of seconds of a busy
	// scheduler without blocking
	for i := 0; i < 10; i++ {
		select {
		case f.scheduler.StatusChanges <- telemetry.ChargerReading{Status: telemetry.ChargerStatusConnected}:
		default:
			t.Fatalf("status channel blocked after %d sends", i)
		}
	}
}

func TestPlugInEventTriggersStart(t *testing.T) {
	f := newTestFixture(t)
	f.scheduler.lastStatus = telemetry.ChargerStatusDisconnected
	f.now.Set(time.Date(2026, 3, 11, 2, 20, 0, 0, f.berlin))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.scheduler.Run(ctx)

	f.scheduler.StatusChanges <- telemetry.ChargerReading{Status: telemetry.ChargerStatusConnected}

	require.Eventually(t, f.scheduler.Active, time.Second, 5*time.Millisecond)
	assert.Equal(t, ModeBattery, f.scheduler.Mode())
}
