package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func testValidator(now time.Time) *Validator {
	v := NewValidator()
	v.now = func() time.Time { return now }
	return v
}

func validReport(now time.Time) Report {
	return Report{
		VehicleID:  "veh-1",
		FleetID:    "fleet-1",
		Latitude:   f64(48.8566),
		Longitude:  f64(2.3522),
		SpeedKmh:   42,
		Heading:    180,
		AccuracyM:  3.5,
		Satellites: 9,
		RecordedAt: now.Add(-10 * time.Second),
	}
}

func TestValidator_AcceptsValidReport(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	v := testValidator(now)
	report := validReport(now)

	ev, verr := v.Validate(&report)
	require.Nil(t, verr)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, "veh-1", ev.VehicleID)
	assert.Equal(t, 48.8566, ev.Latitude)
	assert.Equal(t, now, ev.ReceivedAt)
	assert.Equal(t, now.Add(-10*time.Second), ev.RecordedAt)
}

func TestValidator_ReportsEveryViolation(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	v := testValidator(now)

	report := Report{
		Latitude:   f64(95),
		Longitude:  nil,
		SpeedKmh:   -1,
		Heading:    720,
		Satellites: -2,
		RecordedAt: now.Add(5 * time.Minute),
	}

	ev, verr := v.Validate(&report)
	require.Nil(t, ev)
	require.NotNil(t, verr)

	violated := make(map[string]bool)
	for _, f := range verr.Fields {
		violated[f.Field] = true
	}
	for _, field := range []string{
		"vehicle_id", "fleet_id", "latitude", "longitude",
		"speed_kmh", "heading", "satellites", "recorded_at",
	} {
		assert.True(t, violated[field], "expected violation for %s", field)
	}
}

func TestValidator_ClockSkewTolerance(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	v := testValidator(now)

	within := validReport(now)
	within.RecordedAt = now.Add(20 * time.Second)
	_, verr := v.Validate(&within)
	assert.Nil(t, verr, "20s ahead is within tolerance")

	beyond := validReport(now)
	beyond.RecordedAt = now.Add(time.Minute)
	_, verr = v.Validate(&beyond)
	require.NotNil(t, verr)
	assert.Equal(t, "recorded_at", verr.Fields[0].Field)
}

func TestValidator_BulkPartialSuccess(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	v := testValidator(now)

	bad := validReport(now)
	bad.Latitude = f64(123)

	result := v.ValidateBulk([]Report{validReport(now), bad, validReport(now)})

	assert.Len(t, result.Accepted, 2)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 1, result.Rejected[0].Index)
	assert.Equal(t, "latitude", result.Rejected[0].Fields[0].Field)
}

func TestValidator_UniqueEventIDs(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	v := testValidator(now)
	report := validReport(now)

	a, _ := v.Validate(&report)
	b, _ := v.Validate(&report)
	assert.NotEqual(t, a.EventID, b.EventID)
}
