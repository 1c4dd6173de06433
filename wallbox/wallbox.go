package wallbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grid-x/modbus"

	"github.com/helioshome/wallboxcontroller/telemetry"
)

const (
	MODBUS_HOLDING_REGISTER_STATUS         = 1000
	MODBUS_HOLDING_REGISTER_CHARGE_POWER   = 1002
	MODBUS_HOLDING_REGISTER_SESSION_ENERGY = 1004
	MODBUS_HOLDING_REGISTER_CURRENT_SET    = 1008
	MODBUS_HOLDING_REGISTER_SET_CURRENT    = 1010
	MODBUS_HOLDING_REGISTER_CONTROL        = 1012

	controlValueStop  = 0
	controlValueStart = 1
)

// statusRegisterValues maps the wallbox's status register onto our status
// enumeration. Anything else is reported as unknown and treated downstream as
// disconnected.
var statusRegisterValues = map[uint16]telemetry.ChargerStatus{
	1: telemetry.ChargerStatusDisconnected,
	2: telemetry.ChargerStatusConnected,
	3: telemetry.ChargerStatusCharging,
	4: telemetry.ChargerStatusFinished,
}

// Wallbox handles the Modbus communications with the EV charger.
//
// Readings are taken regularly and sent onto the `Telemetry` channel. The
// Start/Stop/SetCurrent methods implement the charger controller's Actuator
// interface; they must only be called from the command controller's worker.
type Wallbox struct {
	Telemetry chan telemetry.ChargerReading

	host   string
	id     uuid.UUID
	client modbus.Client
	logger *slog.Logger

	mu         sync.Mutex
	lastStatus telemetry.ChargerStatus
}

func New(id uuid.UUID, host string) (*Wallbox, error) {

	logger := slog.Default().With("wallbox_id", id, "host", host)

	handler := modbus.NewTCPClientHandler(host)
	handler.Timeout = 10 * time.Second
	handler.SlaveID = 0x01

	logger.Info("Connecting to wallbox...")

	err := handler.Connect()
	if err != nil {
		return nil, fmt.Errorf("connect to wallbox: %w", err)
	}
	defer handler.Close()

	return &Wallbox{
		Telemetry:  make(chan telemetry.ChargerReading),
		host:       host,
		id:         id,
		client:     modbus.NewClient(handler),
		logger:     logger,
		lastStatus: telemetry.ChargerStatusUnknown,
	}, nil
}

// Run loops forever, polling a reading from the wallbox every `period` and
// sending it onto the Telemetry channel.
func (w *Wallbox) Run(ctx context.Context, period time.Duration) error {

	readingTicker := time.NewTicker(period)
	defer readingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-readingTicker.C:
			reading, err := w.poll(t)
			if err != nil {
				// A failed poll is transient: log it and keep the loop
				// running, consumers fall back to the last known status.
				w.logger.Warn("Failed to poll wallbox", "error", err)
				continue
			}

			w.mu.Lock()
			w.lastStatus = reading.Status
			w.mu.Unlock()

			select {
			case w.Telemetry <- reading:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Status returns the most recently polled status. Unknown until the first
// successful poll.
func (w *Wallbox) Status() telemetry.ChargerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastStatus
}

// Start commands the wallbox to begin charging at the given current.
func (w *Wallbox) Start(ctx context.Context, amps int) error {
	if err := w.writeRegister(ctx, MODBUS_HOLDING_REGISTER_SET_CURRENT, uint16(amps)); err != nil {
		return fmt.Errorf("write current: %w", err)
	}
	if err := w.writeRegister(ctx, MODBUS_HOLDING_REGISTER_CONTROL, controlValueStart); err != nil {
		return fmt.Errorf("write control: %w", err)
	}
	return nil
}

// Stop commands the wallbox to stop charging.
func (w *Wallbox) Stop(ctx context.Context) error {
	if err := w.writeRegister(ctx, MODBUS_HOLDING_REGISTER_CONTROL, controlValueStop); err != nil {
		return fmt.Errorf("write control: %w", err)
	}
	return nil
}

// SetCurrent changes the configured charge current without starting or
// stopping the session.
func (w *Wallbox) SetCurrent(ctx context.Context, amps int) error {
	if err := w.writeRegister(ctx, MODBUS_HOLDING_REGISTER_SET_CURRENT, uint16(amps)); err != nil {
		return fmt.Errorf("write current: %w", err)
	}
	return nil
}

func (w *Wallbox) poll(t time.Time) (telemetry.ChargerReading, error) {

	statusRaw, err := w.pollUint16(MODBUS_HOLDING_REGISTER_STATUS)
	if err != nil {
		return telemetry.ChargerReading{}, fmt.Errorf("poll status: %w", err)
	}
	status, ok := statusRegisterValues[statusRaw]
	if !ok {
		status = telemetry.ChargerStatusUnknown
	}

	chargePower, err := w.pollFloat(MODBUS_HOLDING_REGISTER_CHARGE_POWER)
	if err != nil {
		return telemetry.ChargerReading{}, fmt.Errorf("poll charge power: %w", err)
	}

	sessionEnergy, err := w.pollFloat(MODBUS_HOLDING_REGISTER_SESSION_ENERGY)
	if err != nil {
		return telemetry.ChargerReading{}, fmt.Errorf("poll session energy: %w", err)
	}

	currentSet, err := w.pollUint16(MODBUS_HOLDING_REGISTER_CURRENT_SET)
	if err != nil {
		return telemetry.ChargerReading{}, fmt.Errorf("poll current: %w", err)
	}

	return telemetry.ChargerReading{
		ReadingMeta: telemetry.ReadingMeta{
			ID:       uuid.New(),
			DeviceID: w.id,
			Time:     t,
		},
		Status:        status,
		ChargePower:   chargePower,
		SessionEnergy: sessionEnergy,
		CurrentSet:    float64(currentSet),
	}, nil
}

func (w *Wallbox) pollUint16(register uint16) (uint16, error) {
	bytes, err := w.client.ReadHoldingRegisters(register, 1)
	if err != nil {
		return 0, err
	}
	if len(bytes) < 2 {
		return 0, fmt.Errorf("short read of register %d", register)
	}
	return binary.BigEndian.Uint16(bytes), nil
}

func (w *Wallbox) pollFloat(register uint16) (float64, error) {
	bytes, err := w.client.ReadHoldingRegisters(register, 2)
	if err != nil {
		return 0, err
	}
	if len(bytes) < 4 {
		return 0, fmt.Errorf("short read of register %d", register)
	}
	return float64(math.Float32frombits(binary.BigEndian.Uint32(bytes))), nil
}

func (w *Wallbox) writeRegister(_ context.Context, register uint16, value uint16) error {
	_, err := w.client.WriteSingleRegister(register, value)
	return err
}
