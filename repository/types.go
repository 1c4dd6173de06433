package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/helioshome/wallboxcontroller/telemetry"
)

// StoredChargerReading represents a wallbox reading that is persisted to the SQLite database, and includes a count of upload attempts.
type StoredChargerReading struct {
	telemetry.ChargerReading
	UploadAttemptCount uint
}

// StoredMeterReading represents a site meter reading that is persisted to the SQLite database, and includes a count of upload attempts.
type StoredMeterReading struct {
	telemetry.MeterReading
	UploadAttemptCount uint
}

// StoredChargeSession represents a completed overnight charge session that is persisted to the SQLite database.
type StoredChargeSession struct {
	ID                 uuid.UUID
	Mode               string
	StartedAt          time.Time
	CompletedAt        time.Time
	StopReason         string
	UploadAttemptCount uint
}

// StoredDecisionEvent represents a notable control decision (session start, skip, guard block) that is persisted to the SQLite database.
type StoredDecisionEvent struct {
	ID                 uuid.UUID
	Time               time.Time
	Component          string
	Kind               string
	Reason             string
	UploadAttemptCount uint
}

func newStoredChargerReading(reading telemetry.ChargerReading) StoredChargerReading {
	return StoredChargerReading{
		ChargerReading:     reading,
		UploadAttemptCount: 0,
	}
}

func newStoredMeterReading(reading telemetry.MeterReading) StoredMeterReading {
	return StoredMeterReading{
		MeterReading:       reading,
		UploadAttemptCount: 0,
	}
}
