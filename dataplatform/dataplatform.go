package dataplatform

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	supa "github.com/nedpals/supabase-go"

	"github.com/helioshome/wallboxcontroller/repository"
	"github.com/helioshome/wallboxcontroller/telemetry"
)

// DataPlatform handles the streaming of telemetry and the session/decision
// journal to Supabase.
// Put new charger and meter readings onto the appropriate channels, they will
// be buffered on disk in a SQLite database before being uploaded to Supabase.
// Completed sessions and decisions arrive through the Journal methods, which
// never block the control loops.
type DataPlatform struct {
	ChargerReadings chan telemetry.ChargerReading
	MeterReadings   chan telemetry.MeterReading

	sessions chan repository.StoredChargeSession
	events   chan repository.StoredDecisionEvent

	uploadInterval time.Duration
	repository     *repository.Repository
	supaClient     *supa.Client
}

func New(supabaseUrl, supabaseKey, schema, bufferRepositoryFilename string, uploadInterval time.Duration) (*DataPlatform, error) {

	supaClient := supa.CreateClient(supabaseUrl, supabaseKey)
	supaClient.DB.AddHeader("Accept-Profile", schema)
	supaClient.DB.AddHeader("Content-Profile", schema)

	repo, err := repository.New(bufferRepositoryFilename)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}

	return &DataPlatform{
		ChargerReadings: make(chan telemetry.ChargerReading, 25), // a small buffer to allow SQLite to catch up in case the disk is slow
		MeterReadings:   make(chan telemetry.MeterReading, 25),
		sessions:        make(chan repository.StoredChargeSession, 8),
		events:          make(chan repository.StoredDecisionEvent, 32),
		uploadInterval:  uploadInterval,
		repository:      repo,
		supaClient:      supaClient,
	}, nil
}

// RecordEvent journals a control decision. Never blocks: if the buffer is
// full the event is dropped with a log entry.
func (d *DataPlatform) RecordEvent(component, kind, reason string) {
	event := repository.StoredDecisionEvent{
		ID:        uuid.New(),
		Time:      time.Now(),
		Component: component,
		Kind:      kind,
		Reason:    reason,
	}
	select {
	case d.events <- event:
	default:
		slog.Warn("Decision event journal buffer full, dropping event", "component", component, "kind", kind)
	}
}

// RecordSession journals a completed overnight charge session. Never blocks.
func (d *DataPlatform) RecordSession(mode string, startedAt, completedAt time.Time, stopReason string) {
	session := repository.StoredChargeSession{
		ID:          uuid.New(),
		Mode:        mode,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		StopReason:  stopReason,
	}
	select {
	case d.sessions <- session:
	default:
		slog.Warn("Session journal buffer full, dropping session", "mode", mode)
	}
}

// Run loops forever persisting incoming records and periodically attempting
// an upload of whatever has accumulated.
func (d *DataPlatform) Run(ctx context.Context) {

	uploadTicker := time.NewTicker(d.uploadInterval)
	defer uploadTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case reading := <-d.ChargerReadings:
			err := d.repository.AddChargerReading(reading)
			if err != nil {
				slog.Error("failed to persist charger reading", "error", err)
			}

		case reading := <-d.MeterReadings:
			err := d.repository.AddMeterReading(reading)
			if err != nil {
				slog.Error("failed to persist meter reading", "error", err)
			}

		case session := <-d.sessions:
			err := d.repository.AddChargeSession(session)
			if err != nil {
				slog.Error("failed to persist charge session", "error", err)
			}

		case event := <-d.events:
			err := d.repository.AddDecisionEvent(event)
			if err != nil {
				slog.Error("failed to persist decision event", "error", err)
			}

		case <-uploadTicker.C:
			d.attemptUpload()
		}
	}
}

// attemptUpload attempts to upload buffered records from the repository into
// Supabase: first records that have never been tried, then records that have
// already failed at least one upload.
func (d *DataPlatform) attemptUpload() {

	// uploadChunkLimit defines how many records we can upload in one supabase HTTP request
	uploadChunkLimit := 100

	for _, fresh := range []bool{true, false} {
		chargerReadings, err := d.repository.GetChargerReadings(uploadChunkLimit, fresh)
		if err != nil {
			slog.Error("failed to query charger readings", "error", err, "fresh", fresh)
		} else if len(chargerReadings) > 0 {
			if err := d.handleRecords(chargerReadings); err != nil {
				slog.Error("failed to upload charger readings", "error", err)
			}
		}

		meterReadings, err := d.repository.GetMeterReadings(uploadChunkLimit, fresh)
		if err != nil {
			slog.Error("failed to query meter readings", "error", err, "fresh", fresh)
		} else if len(meterReadings) > 0 {
			if err := d.handleRecords(meterReadings); err != nil {
				slog.Error("failed to upload meter readings", "error", err)
			}
		}

		sessions, err := d.repository.GetChargeSessions(uploadChunkLimit, fresh)
		if err != nil {
			slog.Error("failed to query charge sessions", "error", err, "fresh", fresh)
		} else if len(sessions) > 0 {
			if err := d.handleRecords(sessions); err != nil {
				slog.Error("failed to upload charge sessions", "error", err)
			}
		}

		events, err := d.repository.GetDecisionEvents(uploadChunkLimit, fresh)
		if err != nil {
			slog.Error("failed to query decision events", "error", err, "fresh", fresh)
		} else if len(events) > 0 {
			if err := d.handleRecords(events); err != nil {
				slog.Error("failed to upload decision events", "error", err)
			}
		}
	}
}

// handleRecords attempts to upload the given records. If successful, it
// deletes them from the database, if unsuccessful, it increments the 'upload
// attempt count' column and leaves them in the database for another time.
func (d *DataPlatform) handleRecords(records interface{}) error {

	convertedRecords, tableName := getRecordsForSupabase(records)
	uploadErr := d.supaClient.DB.From(tableName).Insert(convertedRecords).Execute(nil)
	if uploadErr != nil {
		uploadErr := fmt.Errorf("upload failed: %w", uploadErr)
		errInc := d.repository.IncrementUploadAttemptCount(records)
		if errInc != nil {
			return fmt.Errorf("%w: increment upload attempt count: %w", uploadErr, errInc)
		}
		return uploadErr
	}

	deleteErr := d.repository.DeleteRecords(records)
	if deleteErr != nil {
		return fmt.Errorf("delete uploaded records: %w", deleteErr)
	}

	slog.Info("Uploaded records", "db_table", tableName, "db_records", reflect.ValueOf(records).Len())

	return nil
}
