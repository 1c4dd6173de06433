package sitemeter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioshome/wallboxcontroller/telemetry"
)

// Mock emulates a site meter with externally adjustable values.
type Mock struct {
	Telemetry chan telemetry.MeterReading

	id uuid.UUID

	mu              sync.Mutex
	gridPower       float64
	pvProduction    float64
	siteConsumption float64
}

func NewMock(id uuid.UUID) *Mock {
	return &Mock{
		Telemetry: make(chan telemetry.MeterReading),
		id:        id,
	}
}

// SetReadings adjusts the values the mock reports.
func (m *Mock) SetReadings(gridPower, pvProduction, siteConsumption float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gridPower = gridPower
	m.pvProduction = pvProduction
	m.siteConsumption = siteConsumption
}

func (m *Mock) Run(ctx context.Context, period time.Duration) error {
	readingTicker := time.NewTicker(period)
	defer readingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-readingTicker.C:
			m.mu.Lock()
			reading := telemetry.MeterReading{
				ReadingMeta: telemetry.ReadingMeta{
					ID:       uuid.New(),
					DeviceID: m.id,
					Time:     t,
				},
				GridPower:       m.gridPower,
				PvProduction:    m.pvProduction,
				SiteConsumption: m.siteConsumption,
			}
			m.mu.Unlock()

			select {
			case m.Telemetry <- reading:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
