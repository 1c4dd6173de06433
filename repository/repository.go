package repository

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/helioshome/wallboxcontroller/telemetry"
)

// Repository stores telemetry and the session/decision journal on the local
// file system (sqlite) before they are uploaded to the data platform.
type Repository struct {
	db *gorm.DB
}

func New(path string) (*Repository, error) {

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Migrate the schema
	err = db.AutoMigrate(&StoredChargerReading{}, &StoredMeterReading{}, &StoredChargeSession{}, &StoredDecisionEvent{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db: db,
	}, nil
}

func (r *Repository) AddChargerReading(reading telemetry.ChargerReading) error {
	result := r.db.Create(newStoredChargerReading(reading))
	return result.Error
}

func (r *Repository) AddMeterReading(reading telemetry.MeterReading) error {
	result := r.db.Create(newStoredMeterReading(reading))
	return result.Error
}

func (r *Repository) AddChargeSession(session StoredChargeSession) error {
	result := r.db.Create(session)
	return result.Error
}

func (r *Repository) AddDecisionEvent(event StoredDecisionEvent) error {
	result := r.db.Create(event)
	return result.Error
}

func (r *Repository) DeleteRecords(records interface{}) error {
	result := r.db.Delete(&records)
	return result.Error
}

func (r *Repository) GetChargerReadings(limit int, fresh bool) ([]StoredChargerReading, error) {
	var readings []StoredChargerReading
	err := r.queryByAttempts(limit, fresh, "time").Find(&readings).Error
	if err != nil {
		return nil, err
	}
	return readings, nil
}

func (r *Repository) GetMeterReadings(limit int, fresh bool) ([]StoredMeterReading, error) {
	var readings []StoredMeterReading
	err := r.queryByAttempts(limit, fresh, "time").Find(&readings).Error
	if err != nil {
		return nil, err
	}
	return readings, nil
}

func (r *Repository) GetChargeSessions(limit int, fresh bool) ([]StoredChargeSession, error) {
	var sessions []StoredChargeSession
	err := r.queryByAttempts(limit, fresh, "completed_at").Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *Repository) GetDecisionEvents(limit int, fresh bool) ([]StoredDecisionEvent, error) {
	var events []StoredDecisionEvent
	err := r.queryByAttempts(limit, fresh, "time").Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *Repository) IncrementUploadAttemptCount(records interface{}) error {
	result := r.db.Model(records).UpdateColumn("upload_attempt_count", gorm.Expr("upload_attempt_count + ?", 1))
	return result.Error
}

func (r *Repository) queryByAttempts(limit int, fresh bool, timeColumn string) *gorm.DB {
	query := r.db.Limit(limit).Order(fmt.Sprintf("upload_attempt_count asc, %s desc", timeColumn))
	if fresh {
		query = query.Where("upload_attempt_count = ?", 0)
	} else {
		query = query.Where("upload_attempt_count > ?", 0)
		// TODO: do we want to give up after a certain amount of attempts?
	}
	return query
}
