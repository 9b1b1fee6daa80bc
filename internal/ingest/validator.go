// Package ingest is the intake surface: it validates raw position reports
// from HTTP and MQTT devices and publishes the accepted ones to the bus.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/salimomrani/trucktrack-sub002/internal/domain"
)

// clockSkewTolerance is how far in the future a source timestamp may sit
// before the report is rejected; device clocks drift.
const clockSkewTolerance = 30 * time.Second

// Report is the raw input shape shared by POST /positions and the MQTT
// source. Required numerics are pointers so a missing field is
// distinguishable from zero.
type Report struct {
	VehicleID string `json:"vehicle_id"`
	FleetID   string `json:"fleet_id"`
	Name      string `json:"name,omitempty"`

	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`

	AltitudeM  float64 `json:"altitude_m"`
	SpeedKmh   float64 `json:"speed_kmh"`
	Heading    float64 `json:"heading"`
	AccuracyM  float64 `json:"accuracy_m"`
	Satellites int     `json:"satellites"`

	RecordedAt time.Time `json:"recorded_at"`
}

// FieldError names one violated constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every violation found in a report, not just the
// first, so bulk callers can report partial success per item.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid position report: " + strings.Join(parts, "; ")
}

type Validator struct {
	now func() time.Time
}

func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// Validate checks a raw report and returns the immutable PositionEvent ready
// for publishing. It is pure apart from reading the clock and minting the
// event id.
func (v *Validator) Validate(r *Report) (*domain.PositionEvent, *ValidationError) {
	now := v.now()
	var fields []FieldError

	add := func(field, format string, args ...interface{}) {
		fields = append(fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if r.VehicleID == "" {
		add("vehicle_id", "is required")
	}
	if r.FleetID == "" {
		add("fleet_id", "is required")
	}

	switch {
	case r.Latitude == nil:
		add("latitude", "is required")
	case *r.Latitude < -90 || *r.Latitude > 90:
		add("latitude", "must be within [-90, 90], got %g", *r.Latitude)
	}
	switch {
	case r.Longitude == nil:
		add("longitude", "is required")
	case *r.Longitude < -180 || *r.Longitude > 180:
		add("longitude", "must be within [-180, 180], got %g", *r.Longitude)
	}

	if r.SpeedKmh < 0 {
		add("speed_kmh", "must be >= 0, got %g", r.SpeedKmh)
	}
	if r.Heading < 0 || r.Heading > 359 {
		add("heading", "must be within [0, 359], got %g", r.Heading)
	}
	if r.AccuracyM < 0 {
		add("accuracy_m", "must be >= 0, got %g", r.AccuracyM)
	}
	if r.Satellites < 0 {
		add("satellites", "must be >= 0, got %d", r.Satellites)
	}

	switch {
	case r.RecordedAt.IsZero():
		add("recorded_at", "is required")
	case r.RecordedAt.After(now.Add(clockSkewTolerance)):
		add("recorded_at", "must not be in the future (tolerance %s)", clockSkewTolerance)
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	return &domain.PositionEvent{
		EventID:    uuid.NewString(),
		VehicleID:  r.VehicleID,
		FleetID:    r.FleetID,
		Name:       r.Name,
		Latitude:   *r.Latitude,
		Longitude:  *r.Longitude,
		AltitudeM:  r.AltitudeM,
		SpeedKmh:   r.SpeedKmh,
		Heading:    r.Heading,
		AccuracyM:  r.AccuracyM,
		Satellites: r.Satellites,
		RecordedAt: r.RecordedAt.UTC(),
		ReceivedAt: now.UTC(),
	}, nil
}

// BulkItemError ties a rejected bulk item back to its array index.
type BulkItemError struct {
	Index  int          `json:"index"`
	Fields []FieldError `json:"fields"`
}

// BulkResult reports partial success: one bad item never fails the batch.
type BulkResult struct {
	Accepted []*domain.PositionEvent
	Rejected []BulkItemError
}

// ValidateBulk applies Validate per item.
func (v *Validator) ValidateBulk(reports []Report) BulkResult {
	var out BulkResult
	for i := range reports {
		ev, verr := v.Validate(&reports[i])
		if verr != nil {
			out.Rejected = append(out.Rejected, BulkItemError{Index: i, Fields: verr.Fields})
			continue
		}
		out.Accepted = append(out.Accepted, ev)
	}
	return out
}
