package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// ReadingMeta holds the fields that are common to all readings.
type ReadingMeta struct {
	ID       uuid.UUID
	DeviceID uuid.UUID
	Time     time.Time
}

// ChargerStatus enumerates the connectivity/charging states reported by the wallbox.
type ChargerStatus string

const (
	ChargerStatusUnknown      ChargerStatus = "unknown"      // ChargerStatusUnknown indicates that no valid status has been read from the device
	ChargerStatusDisconnected ChargerStatus = "disconnected" // ChargerStatusDisconnected indicates that no vehicle is plugged in
	ChargerStatusConnected    ChargerStatus = "connected"    // ChargerStatusConnected indicates a vehicle is plugged in but not drawing power
	ChargerStatusCharging     ChargerStatus = "charging"     // ChargerStatusCharging indicates the vehicle is drawing power
	ChargerStatusFinished     ChargerStatus = "finished"     // ChargerStatusFinished indicates the vehicle has stopped drawing power itself
)

// ChargerReading holds data polled from the wallbox.
type ChargerReading struct {
	ReadingMeta
	Status        ChargerStatus
	ChargePower   float64 // W
	SessionEnergy float64 // Wh delivered in the current plug-in session
	CurrentSet    float64 // A, the current limit the wallbox is currently configured with
}

// MeterReading holds data polled from the site meter.
type MeterReading struct {
	ReadingMeta
	GridPower       float64 // W, positive when importing from the grid
	PvProduction    float64 // W
	SiteConsumption float64 // W, household consumption excluding the wallbox
}
