package domain

import "time"

// RuleKind is a closed set; each kind has exactly one evaluation function in
// the rule engine.
type RuleKind string

const (
	RuleOfflineTimeout RuleKind = "OFFLINE_TIMEOUT"
	RuleIdleTimeout    RuleKind = "IDLE_TIMEOUT"
	RuleGeofenceEnter  RuleKind = "GEOFENCE_ENTER"
	RuleGeofenceExit   RuleKind = "GEOFENCE_EXIT"
	RuleSpeedLimit     RuleKind = "SPEED_LIMIT"
)

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertRule is externally configured and read-only to the rule engine.
// Scope: FleetID selects a fleet; VehicleID, when set, narrows to one vehicle.
type AlertRule struct {
	ID        string        `json:"id"`
	FleetID   string        `json:"fleet_id"`
	VehicleID string        `json:"vehicle_id,omitempty"`
	Kind      RuleKind      `json:"kind"`
	Severity  AlertSeverity `json:"severity"`
	Enabled   bool          `json:"enabled"`

	// Threshold parameters; which one applies depends on Kind.
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	GeofenceID     string  `json:"geofence_id,omitempty"`
	SpeedLimitKmh  float64 `json:"speed_limit_kmh,omitempty"`
}

// AppliesTo reports whether the rule is scoped to the given vehicle.
func (r *AlertRule) AppliesTo(fleetID, vehicleID string) bool {
	if !r.Enabled {
		return false
	}
	if r.VehicleID != "" {
		return r.VehicleID == vehicleID
	}
	return r.FleetID == fleetID
}

// AlertTriggerState tracks the rising/falling edge per (vehicle, rule). Owned
// exclusively by the rule engine; the single-writer-per-partition invariant
// makes it safe without locking.
type AlertTriggerState struct {
	VehicleID     string    `json:"vehicle_id"`
	RuleID        string    `json:"rule_id"`
	Triggered     bool      `json:"triggered"`
	TriggeredAt   time.Time `json:"triggered_at,omitempty"`
	LastEvaluated time.Time `json:"last_evaluated"`
}

// AlertTriggeredEvent is immutable once emitted.
type AlertTriggeredEvent struct {
	EventID     string        `json:"event_id"`
	RuleID      string        `json:"rule_id"`
	VehicleID   string        `json:"vehicle_id"`
	FleetID     string        `json:"fleet_id"`
	Kind        RuleKind      `json:"kind"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	Latitude    float64       `json:"latitude"`
	Longitude   float64       `json:"longitude"`
	TriggeredAt time.Time     `json:"triggered_at"`

	// Recipient ids resolved at trigger time from the directory.
	Recipients []string `json:"recipients"`
}
