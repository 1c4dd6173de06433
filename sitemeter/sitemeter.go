package sitemeter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/simonvetter/modbus"

	"github.com/helioshome/wallboxcontroller/telemetry"
)

const (
	REGISTER_GRID_POWER       = 100
	REGISTER_PV_PRODUCTION    = 102
	REGISTER_SITE_CONSUMPTION = 104
)

// SiteMeter polls grid power, PV production and site consumption from the
// site's energy meter over Modbus TCP.
//
// Readings are sent onto the `Telemetry` channel. The underlying connection
// is re-created lazily after an error rather than failing the whole poll
// loop.
type SiteMeter struct {
	Telemetry chan telemetry.MeterReading

	host   string
	id     uuid.UUID
	logger *slog.Logger

	subClient       *modbus.ModbusClient // the raw client of the underlying modbus library we are using
	shouldReconnect bool                 // when true, the subClient is 'dirty' and will be re-created next time a read call is made
}

func New(id uuid.UUID, host string) (*SiteMeter, error) {
	return &SiteMeter{
		Telemetry:       make(chan telemetry.MeterReading),
		host:            host,
		id:              id,
		logger:          slog.Default().With("meter_id", id, "host", host),
		shouldReconnect: true,
	}, nil
}

// Run loops forever, polling the meter every `period`.
func (s *SiteMeter) Run(ctx context.Context, period time.Duration) error {

	readingTicker := time.NewTicker(period)
	defer readingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-readingTicker.C:
			reading, err := s.poll(t)
			if err != nil {
				s.logger.Warn("Failed to poll site meter", "error", err)
				continue
			}

			select {
			case s.Telemetry <- reading:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *SiteMeter) poll(t time.Time) (telemetry.MeterReading, error) {

	gridPower, err := s.readFloat(REGISTER_GRID_POWER)
	if err != nil {
		return telemetry.MeterReading{}, fmt.Errorf("read grid power: %w", err)
	}

	pvProduction, err := s.readFloat(REGISTER_PV_PRODUCTION)
	if err != nil {
		return telemetry.MeterReading{}, fmt.Errorf("read pv production: %w", err)
	}

	siteConsumption, err := s.readFloat(REGISTER_SITE_CONSUMPTION)
	if err != nil {
		return telemetry.MeterReading{}, fmt.Errorf("read site consumption: %w", err)
	}

	return telemetry.MeterReading{
		ReadingMeta: telemetry.ReadingMeta{
			ID:       uuid.New(),
			DeviceID: s.id,
			Time:     t,
		},
		GridPower:       gridPower,
		PvProduction:    pvProduction,
		SiteConsumption: siteConsumption,
	}, nil
}

func (s *SiteMeter) readFloat(register uint16) (float64, error) {
	err := s.reconnectIfNeccesary()
	if err != nil {
		return 0, fmt.Errorf("reconnect: %w", err)
	}

	value, err := s.subClient.ReadFloat32(register, modbus.HOLDING_REGISTER)
	if err != nil {
		s.shouldReconnect = true
		return 0, fmt.Errorf("read register %d: %w", register, err)
	}

	return float64(value), nil
}

// reconnectIfNeccesary creates the underlying modbus library client with
// sensible defaults and connects to the host, if the previous connection has
// gone bad (or never existed).
func (s *SiteMeter) reconnectIfNeccesary() error {
	if !s.shouldReconnect {
		return nil
	}

	if s.subClient != nil {
		_ = s.subClient.Close()
	}

	subClient, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s", s.host),
		Timeout: 2 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create modbus client: %w", err)
	}

	err = subClient.Open()
	if err != nil {
		return fmt.Errorf("open modbus connection: %w", err)
	}

	s.logger.Info("Connected to site meter")

	s.subClient = subClient
	s.shouldReconnect = false
	return nil
}
