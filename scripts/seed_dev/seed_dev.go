// seed_dev bootstraps a local environment: ensures the Postgres schema,
// seeds device API keys in Redis and installs a demo rule set.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/salimomrani/trucktrack-sub002/internal/config"
	"github.com/salimomrani/trucktrack-sub002/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	pg, err := store.NewPostgres(ctx, cfg)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Postgres is running:\n  docker-compose up -d postgres", err)
	}
	defer pg.Close()
	fmt.Println("✓ Connected")

	if err := pg.EnsureSchema(ctx); err != nil {
		log.Fatalf("Schema setup failed: %v", err)
	}
	fmt.Println("✓ Schema ensured")

	seedRules(ctx, pg)
	seedDeviceKeys(ctx, cfg)

	fmt.Println("\n✅ Dev environment seeded")
	fmt.Println("   Run next: go run ./cmd/trucktrackd")
}

func seedRules(ctx context.Context, pg *store.Postgres) {
	fmt.Println("\n── Demo alert rules ────────────────────────────")

	rules := []struct {
		id, fleet, kind, severity string
		timeoutSeconds            int
		geofenceID                string
		speedLimitKmh             float64
	}{
		{"demo-speed", "demo_fleet", "SPEED_LIMIT", "WARNING", 0, "", 100},
		{"demo-offline", "demo_fleet", "OFFLINE_TIMEOUT", "CRITICAL", 300, "", 0},
		{"demo-idle", "demo_fleet", "IDLE_TIMEOUT", "INFO", 600, "", 0},
		{"demo-depot", "demo_fleet", "GEOFENCE_ENTER", "INFO", 0, "depot", 0},
	}

	for _, r := range rules {
		if err := pg.UpsertRule(ctx, r.id, r.fleet, r.kind, r.severity, r.timeoutSeconds, r.geofenceID, r.speedLimitKmh); err != nil {
			log.Fatalf("Failed to seed rule %s: %v", r.id, err)
		}
		fmt.Printf("  ✓ %-14s %s (%s)\n", r.id, r.kind, r.severity)
	}
}

func seedDeviceKeys(ctx context.Context, cfg *config.Config) {
	fmt.Println("\n── Device API keys ─────────────────────────────")

	rd, err := store.NewRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("Redis connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	defer rd.Close()

	keys := map[string]string{
		"demo_truck_01_key": "truck-01",
		"demo_truck_02_key": "truck-02",
		"demo_van_01_key":   "van-01",
		"test_key":          "test-vehicle",
	}

	if err := rd.SeedDeviceKeys(ctx, keys); err != nil {
		log.Fatalf("Failed to seed device keys: %v", err)
	}
	for apiKey, vehicleID := range keys {
		fmt.Printf("  ✓ %-20s → %s\n", apiKey, vehicleID)
	}
}
