package wallbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioshome/wallboxcontroller/telemetry"
)

// Mock emulates a wallbox for tests and emulated runs. Its status can be
// driven externally with SetStatus (e.g. a test plugging the car in).
type Mock struct {
	Telemetry chan telemetry.ChargerReading

	id uuid.UUID

	mu          sync.Mutex
	status      telemetry.ChargerStatus
	currentSet  int
	chargePower float64
}

func NewMock(id uuid.UUID) *Mock {
	return &Mock{
		Telemetry: make(chan telemetry.ChargerReading),
		id:        id,
		status:    telemetry.ChargerStatusDisconnected,
	}
}

func (m *Mock) Run(ctx context.Context, period time.Duration) error {
	readingTicker := time.NewTicker(period)
	defer readingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-readingTicker.C:
			select {
			case m.Telemetry <- m.reading(t):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (m *Mock) reading(t time.Time) telemetry.ChargerReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return telemetry.ChargerReading{
		ReadingMeta: telemetry.ReadingMeta{
			ID:       uuid.New(),
			DeviceID: m.id,
			Time:     t,
		},
		Status:      m.status,
		ChargePower: m.chargePower,
		CurrentSet:  float64(m.currentSet),
	}
}

func (m *Mock) Status() telemetry.ChargerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetStatus drives the emulated charger state externally.
func (m *Mock) SetStatus(status telemetry.ChargerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

func (m *Mock) Start(_ context.Context, amps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = telemetry.ChargerStatusCharging
	m.currentSet = amps
	m.chargePower = float64(amps) * 230
	return nil
}

func (m *Mock) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == telemetry.ChargerStatusCharging {
		m.status = telemetry.ChargerStatusConnected
	}
	m.chargePower = 0
	return nil
}

func (m *Mock) SetCurrent(_ context.Context, amps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentSet = amps
	if m.status == telemetry.ChargerStatusCharging {
		m.chargePower = float64(amps) * 230
	}
	return nil
}
