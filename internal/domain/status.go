package domain

import "time"

// OperationalStatus is derived from the latest position, never asserted by
// the device.
type OperationalStatus string

const (
	StatusActive  OperationalStatus = "ACTIVE"
	StatusIdle    OperationalStatus = "IDLE"
	StatusOffline OperationalStatus = "OFFLINE"
)

// Status derivation thresholds.
const (
	ActiveSpeedKmh = 5.0
	ActiveMaxAge   = 2 * time.Minute
	IdleMaxAge     = 5 * time.Minute
)

// DeriveStatus computes operational status from the latest known speed and
// the age of the latest position. Pure function; both engines and the read
// path call it so a vehicle goes OFFLINE without a new event arriving.
func DeriveStatus(speedKmh float64, age time.Duration) OperationalStatus {
	switch {
	case speedKmh > ActiveSpeedKmh && age < ActiveMaxAge:
		return StatusActive
	case speedKmh <= ActiveSpeedKmh && age < IdleMaxAge:
		return StatusIdle
	default:
		return StatusOffline
	}
}

// VehicleState is the per-vehicle record owned by the status engine. It is
// mutated only by the single active partition worker for the vehicle's key.
type VehicleState struct {
	VehicleID string            `json:"vehicle_id"`
	FleetID   string            `json:"fleet_id"`
	Status    OperationalStatus `json:"status"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	SpeedKmh  float64 `json:"speed_kmh"`
	Heading   float64 `json:"heading"`

	// LastSeen is the maximum source timestamp observed, not the timestamp
	// of the most recently processed event.
	LastSeen    time.Time `json:"last_seen"`
	LastEventID string    `json:"last_event_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusChangeEvent is emitted only on an actual transition.
type StatusChangeEvent struct {
	VehicleID  string            `json:"vehicle_id"`
	FleetID    string            `json:"fleet_id"`
	Previous   OperationalStatus `json:"previous"`
	New        OperationalStatus `json:"new"`
	Latitude   float64           `json:"latitude"`
	Longitude  float64           `json:"longitude"`
	OccurredAt time.Time         `json:"occurred_at"`
}
