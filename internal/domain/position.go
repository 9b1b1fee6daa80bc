package domain

import "time"

// PositionEvent is a single GPS report after validation. It is immutable once
// published to the bus; EventID makes reprocessing idempotent.
type PositionEvent struct {
	EventID   string `json:"event_id"`
	VehicleID string `json:"vehicle_id"`
	FleetID   string `json:"fleet_id"`
	Name      string `json:"name,omitempty"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	AltitudeM  float64 `json:"altitude_m"`
	SpeedKmh   float64 `json:"speed_kmh"`
	Heading    float64 `json:"heading"`
	AccuracyM  float64 `json:"accuracy_m"`
	Satellites int     `json:"satellites"`

	RecordedAt time.Time `json:"recorded_at"`
	ReceivedAt time.Time `json:"received_at"`

	RawPayload []byte `json:"-"`
}

// Age returns how old the report is relative to now.
func (p *PositionEvent) Age(now time.Time) time.Duration {
	return now.Sub(p.RecordedAt)
}
