package dataplatform

import (
	"time"

	"github.com/google/uuid"

	"github.com/helioshome/wallboxcontroller/repository"
)

// supabaseChargerReading holds the json encoding schema for a wallbox reading in supabase.
type supabaseChargerReading struct {
	ID            uuid.UUID `json:"id"`
	Time          time.Time `json:"time"`
	ChargerID     uuid.UUID `json:"charger_id"`
	Status        string    `json:"status"`
	ChargePower   float64   `json:"charge_power"`
	SessionEnergy float64   `json:"session_energy"`
	CurrentSet    float64   `json:"current_set"`
}

// supabaseMeterReading holds the json encoding schema for a site meter reading in supabase.
type supabaseMeterReading struct {
	ID              uuid.UUID `json:"id"`
	Time            time.Time `json:"time"`
	MeterID         uuid.UUID `json:"meter_id"`
	GridPower       float64   `json:"grid_power"`
	PvProduction    float64   `json:"pv_production"`
	SiteConsumption float64   `json:"site_consumption"`
}

// supabaseChargeSession holds the json encoding schema for a completed overnight session in supabase.
type supabaseChargeSession struct {
	ID          uuid.UUID `json:"id"`
	Mode        string    `json:"mode"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	StopReason  string    `json:"stop_reason"`
}

// supabaseDecisionEvent holds the json encoding schema for a control decision in supabase.
type supabaseDecisionEvent struct {
	ID        uuid.UUID `json:"id"`
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
}

func convertChargerReadings(readings []repository.StoredChargerReading) []supabaseChargerReading {
	var supabaseReadings []supabaseChargerReading
	for _, reading := range readings {
		supabaseReadings = append(supabaseReadings, supabaseChargerReading{
			ID:            reading.ID,
			Time:          reading.Time,
			ChargerID:     reading.DeviceID,
			Status:        string(reading.Status),
			ChargePower:   reading.ChargePower,
			SessionEnergy: reading.SessionEnergy,
			CurrentSet:    reading.CurrentSet,
		})
	}
	return supabaseReadings
}

func convertMeterReadings(readings []repository.StoredMeterReading) []supabaseMeterReading {
	var supabaseReadings []supabaseMeterReading
	for _, reading := range readings {
		supabaseReadings = append(supabaseReadings, supabaseMeterReading{
			ID:              reading.ID,
			Time:            reading.Time,
			MeterID:         reading.DeviceID,
			GridPower:       reading.GridPower,
			PvProduction:    reading.PvProduction,
			SiteConsumption: reading.SiteConsumption,
		})
	}
	return supabaseReadings
}

func convertChargeSessions(sessions []repository.StoredChargeSession) []supabaseChargeSession {
	var supabaseSessions []supabaseChargeSession
	for _, session := range sessions {
		supabaseSessions = append(supabaseSessions, supabaseChargeSession{
			ID:          session.ID,
			Mode:        session.Mode,
			StartedAt:   session.StartedAt,
			CompletedAt: session.CompletedAt,
			StopReason:  session.StopReason,
		})
	}
	return supabaseSessions
}

func convertDecisionEvents(events []repository.StoredDecisionEvent) []supabaseDecisionEvent {
	var supabaseEvents []supabaseDecisionEvent
	for _, event := range events {
		supabaseEvents = append(supabaseEvents, supabaseDecisionEvent{
			ID:        event.ID,
			Time:      event.Time,
			Component: event.Component,
			Kind:      event.Kind,
			Reason:    event.Reason,
		})
	}
	return supabaseEvents
}

// getRecordsForSupabase converts a slice of stored records into the matching
// supabase json schema and names the destination table.
func getRecordsForSupabase(records interface{}) (interface{}, string) {
	switch typed := records.(type) {
	case []repository.StoredChargerReading:
		return convertChargerReadings(typed), "charger_readings"
	case []repository.StoredMeterReading:
		return convertMeterReadings(typed), "meter_readings"
	case []repository.StoredChargeSession:
		return convertChargeSessions(typed), "charge_sessions"
	case []repository.StoredDecisionEvent:
		return convertDecisionEvents(typed), "decision_events"
	}
	return nil, ""
}
