package store

import (
	"context"
	"fmt"
)

// Schema statements are idempotent so the daemon can bootstrap an empty
// database on startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS vehicle_positions (
		event_id     TEXT PRIMARY KEY,
		vehicle_id   TEXT NOT NULL,
		fleet_id     TEXT NOT NULL,
		recorded_at  TIMESTAMPTZ NOT NULL,
		received_at  TIMESTAMPTZ NOT NULL,
		latitude     DOUBLE PRECISION NOT NULL,
		longitude    DOUBLE PRECISION NOT NULL,
		altitude_m   DOUBLE PRECISION NOT NULL DEFAULT 0,
		speed_kmh    DOUBLE PRECISION NOT NULL DEFAULT 0,
		heading      DOUBLE PRECISION NOT NULL DEFAULT 0,
		accuracy_m   DOUBLE PRECISION NOT NULL DEFAULT 0,
		satellites   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_vehicle_time
		ON vehicle_positions (vehicle_id, recorded_at DESC)`,

	`CREATE TABLE IF NOT EXISTS vehicle_state (
		vehicle_id    TEXT PRIMARY KEY,
		fleet_id      TEXT NOT NULL,
		status        TEXT NOT NULL,
		latitude      DOUBLE PRECISION NOT NULL,
		longitude     DOUBLE PRECISION NOT NULL,
		speed_kmh     DOUBLE PRECISION NOT NULL,
		heading       DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_seen     TIMESTAMPTZ NOT NULL,
		last_event_id TEXT NOT NULL DEFAULT '',
		updated_at    TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS status_changes (
		id              BIGSERIAL PRIMARY KEY,
		vehicle_id      TEXT NOT NULL,
		fleet_id        TEXT NOT NULL,
		previous_status TEXT NOT NULL,
		new_status      TEXT NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		occurred_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_changes_vehicle
		ON status_changes (vehicle_id, occurred_at DESC)`,

	`CREATE TABLE IF NOT EXISTS alert_rules (
		id              TEXT PRIMARY KEY,
		fleet_id        TEXT NOT NULL,
		vehicle_id      TEXT,
		kind            TEXT NOT NULL,
		severity        TEXT NOT NULL,
		enabled         BOOLEAN NOT NULL DEFAULT TRUE,
		timeout_seconds INTEGER,
		geofence_id     TEXT,
		speed_limit_kmh DOUBLE PRECISION
	)`,

	`CREATE TABLE IF NOT EXISTS alert_trigger_state (
		vehicle_id     TEXT NOT NULL,
		rule_id        TEXT NOT NULL,
		triggered      BOOLEAN NOT NULL,
		triggered_at   TIMESTAMPTZ,
		last_evaluated TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (vehicle_id, rule_id)
	)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id             TEXT PRIMARY KEY,
		alert_event_id TEXT NOT NULL,
		kind           TEXT NOT NULL,
		channel        TEXT NOT NULL,
		recipient      TEXT NOT NULL,
		subject        TEXT NOT NULL DEFAULT '',
		preview        TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		UNIQUE (alert_event_id, recipient, channel)
	)`,

	`CREATE TABLE IF NOT EXISTS dead_letters (
		id             BIGSERIAL PRIMARY KEY,
		event_id       TEXT NOT NULL,
		topic          TEXT NOT NULL,
		partition_key  TEXT NOT NULL,
		consumer_group TEXT NOT NULL,
		payload        BYTEA,
		deliveries     INTEGER NOT NULL,
		last_error     TEXT NOT NULL,
		failed_at      TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates any missing tables and indexes.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
