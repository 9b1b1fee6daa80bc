package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name     string
		speedKmh float64
		age      time.Duration
		want     OperationalStatus
	}{
		{"moving and fresh", 40, 30 * time.Second, StatusActive},
		{"slow and recent", 2, 3 * time.Minute, StatusIdle},
		{"stale regardless of speed", 80, 10 * time.Minute, StatusOffline},
		{"stopped and stale", 0, 10 * time.Minute, StatusOffline},
		{"at speed threshold counts as idle", 5, time.Minute, StatusIdle},
		{"just over speed threshold", 5.1, time.Minute, StatusActive},
		{"fast but outside active window", 40, 3 * time.Minute, StatusOffline},
		{"idle at window edge", 1, 5 * time.Minute, StatusOffline},
		{"active at window edge", 40, 2 * time.Minute, StatusOffline},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStatus(tc.speedKmh, tc.age))
		})
	}
}

func TestAlertRule_AppliesTo(t *testing.T) {
	fleetWide := AlertRule{ID: "r1", FleetID: "fleet-1", Enabled: true}
	assert.True(t, fleetWide.AppliesTo("fleet-1", "veh-1"))
	assert.False(t, fleetWide.AppliesTo("fleet-2", "veh-1"))

	single := AlertRule{ID: "r2", FleetID: "fleet-1", VehicleID: "veh-1", Enabled: true}
	assert.True(t, single.AppliesTo("fleet-1", "veh-1"))
	assert.False(t, single.AppliesTo("fleet-1", "veh-2"))

	disabled := AlertRule{ID: "r3", FleetID: "fleet-1", Enabled: false}
	assert.False(t, disabled.AppliesTo("fleet-1", "veh-1"))
}
