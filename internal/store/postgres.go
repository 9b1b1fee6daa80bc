package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/salimomrani/trucktrack-sub002/internal/bus"
	"github.com/salimomrani/trucktrack-sub002/internal/config"
	"github.com/salimomrani/trucktrack-sub002/internal/domain"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Postgres is the durable store and source of truth behind the pipeline.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg *config.Config) (*Postgres, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var positionColumns = []string{
	"event_id",
	"vehicle_id",
	"fleet_id",
	"recorded_at",
	"received_at",
	"latitude",
	"longitude",
	"altitude_m",
	"speed_kmh",
	"heading",
	"accuracy_m",
	"satellites",
}

// InsertPositions appends position history. Duplicate event ids are ignored
// so bus redelivery converges.
func (s *Postgres) InsertPositions(ctx context.Context, events []*domain.PositionEvent) error {
	if len(events) == 0 {
		return nil
	}

	if len(events) == 1 {
		return s.insertPosition(ctx, events[0])
	}

	rows := make([][]interface{}, len(events))
	for i, e := range events {
		rows[i] = []interface{}{
			e.EventID,
			e.VehicleID,
			e.FleetID,
			e.RecordedAt,
			e.ReceivedAt,
			e.Latitude,
			e.Longitude,
			e.AltitudeM,
			e.SpeedKmh,
			e.Heading,
			e.AccuracyM,
			e.Satellites,
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"vehicle_positions"},
		positionColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(events), err)
	}
	return nil
}

func (s *Postgres) insertPosition(ctx context.Context, e *domain.PositionEvent) error {
	query := `
		INSERT INTO vehicle_positions
			(event_id, vehicle_id, fleet_id, recorded_at, received_at,
			 latitude, longitude, altitude_m, speed_kmh, heading, accuracy_m, satellites)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		e.EventID, e.VehicleID, e.FleetID, e.RecordedAt, e.ReceivedAt,
		e.Latitude, e.Longitude, e.AltitudeM, e.SpeedKmh, e.Heading, e.AccuracyM, e.Satellites,
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", e.EventID, err)
	}
	return nil
}

// GetVehicleState returns the last persisted state, ErrNotFound for a vehicle
// never seen.
func (s *Postgres) GetVehicleState(ctx context.Context, vehicleID string) (*domain.VehicleState, error) {
	query := `
		SELECT vehicle_id, fleet_id, status, latitude, longitude, speed_kmh,
		       heading, last_seen, last_event_id, updated_at
		FROM vehicle_state WHERE vehicle_id = $1
	`
	st := &domain.VehicleState{}
	err := s.pool.QueryRow(ctx, query, vehicleID).Scan(
		&st.VehicleID, &st.FleetID, &st.Status, &st.Latitude, &st.Longitude,
		&st.SpeedKmh, &st.Heading, &st.LastSeen, &st.LastEventID, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vehicle state %s: %w", vehicleID, err)
	}
	return st, nil
}

// SaveVehicleState upserts the state and, when change is non-nil, records the
// status transition in the same transaction.
func (s *Postgres) SaveVehicleState(ctx context.Context, st *domain.VehicleState, change *domain.StatusChangeEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin state tx: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
		INSERT INTO vehicle_state
			(vehicle_id, fleet_id, status, latitude, longitude, speed_kmh,
			 heading, last_seen, last_event_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (vehicle_id) DO UPDATE SET
			fleet_id = EXCLUDED.fleet_id,
			status = EXCLUDED.status,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			speed_kmh = EXCLUDED.speed_kmh,
			heading = EXCLUDED.heading,
			last_seen = EXCLUDED.last_seen,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = EXCLUDED.updated_at
	`
	_, err = tx.Exec(ctx, upsert,
		st.VehicleID, st.FleetID, st.Status, st.Latitude, st.Longitude,
		st.SpeedKmh, st.Heading, st.LastSeen, st.LastEventID, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert vehicle state %s: %w", st.VehicleID, err)
	}

	if change != nil {
		insert := `
			INSERT INTO status_changes
				(vehicle_id, fleet_id, previous_status, new_status, latitude, longitude, occurred_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`
		_, err = tx.Exec(ctx, insert,
			change.VehicleID, change.FleetID, change.Previous, change.New,
			change.Latitude, change.Longitude, change.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("insert status change %s: %w", change.VehicleID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit state tx: %w", err)
	}
	return nil
}

// SaveVehicleStateIfCurrent applies a sweeper-derived transition only while
// the row still carries the event id the snapshot was read at. It returns
// false when a concurrent position write got there first; the partition
// worker that owns the key has already derived the current status.
func (s *Postgres) SaveVehicleStateIfCurrent(ctx context.Context, st *domain.VehicleState, change *domain.StatusChangeEvent, expectedEventID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE vehicle_state
		SET status = $2, updated_at = $3
		WHERE vehicle_id = $1 AND last_event_id = $4
	`
	tag, err := tx.Exec(ctx, update, st.VehicleID, st.Status, st.UpdatedAt, expectedEventID)
	if err != nil {
		return false, fmt.Errorf("sweep vehicle state %s: %w", st.VehicleID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if change != nil {
		insert := `
			INSERT INTO status_changes
				(vehicle_id, fleet_id, previous_status, new_status, latitude, longitude, occurred_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`
		_, err = tx.Exec(ctx, insert,
			change.VehicleID, change.FleetID, change.Previous, change.New,
			change.Latitude, change.Longitude, change.OccurredAt,
		)
		if err != nil {
			return false, fmt.Errorf("insert status change %s: %w", change.VehicleID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit sweep tx: %w", err)
	}
	return true, nil
}

// ListFleetStates returns the last persisted state of every vehicle in a
// fleet.
func (s *Postgres) ListFleetStates(ctx context.Context, fleetID string) ([]*domain.VehicleState, error) {
	query := `
		SELECT vehicle_id, fleet_id, status, latitude, longitude, speed_kmh,
		       heading, last_seen, last_event_id, updated_at
		FROM vehicle_state
		WHERE fleet_id = $1
		ORDER BY vehicle_id
	`
	rows, err := s.pool.Query(ctx, query, fleetID)
	if err != nil {
		return nil, fmt.Errorf("list fleet states %s: %w", fleetID, err)
	}
	defer rows.Close()

	var out []*domain.VehicleState
	for rows.Next() {
		st := &domain.VehicleState{}
		if err := rows.Scan(
			&st.VehicleID, &st.FleetID, &st.Status, &st.Latitude, &st.Longitude,
			&st.SpeedKmh, &st.Heading, &st.LastSeen, &st.LastEventID, &st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan fleet state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListStaleVehicleStates returns non-OFFLINE vehicles whose last_seen is
// before the cutoff; the status sweeper re-derives these.
func (s *Postgres) ListStaleVehicleStates(ctx context.Context, cutoff time.Time) ([]*domain.VehicleState, error) {
	query := `
		SELECT vehicle_id, fleet_id, status, latitude, longitude, speed_kmh,
		       heading, last_seen, last_event_id, updated_at
		FROM vehicle_state
		WHERE status <> $1 AND last_seen < $2
	`
	rows, err := s.pool.Query(ctx, query, domain.StatusOffline, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale states: %w", err)
	}
	defer rows.Close()

	var out []*domain.VehicleState
	for rows.Next() {
		st := &domain.VehicleState{}
		if err := rows.Scan(
			&st.VehicleID, &st.FleetID, &st.Status, &st.Latitude, &st.Longitude,
			&st.SpeedKmh, &st.Heading, &st.LastSeen, &st.LastEventID, &st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stale state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListEnabledRules returns all enabled alert rules; the rule engine filters
// by scope per event.
func (s *Postgres) ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error) {
	query := `
		SELECT id, fleet_id, COALESCE(vehicle_id, ''), kind, severity, enabled,
		       COALESCE(timeout_seconds, 0), COALESCE(geofence_id, ''), COALESCE(speed_limit_kmh, 0)
		FROM alert_rules WHERE enabled
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []domain.AlertRule
	for rows.Next() {
		var r domain.AlertRule
		if err := rows.Scan(
			&r.ID, &r.FleetID, &r.VehicleID, &r.Kind, &r.Severity, &r.Enabled,
			&r.TimeoutSeconds, &r.GeofenceID, &r.SpeedLimitKmh,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRule installs or updates an enabled fleet-wide rule; used by the dev
// seeder.
func (s *Postgres) UpsertRule(ctx context.Context, id, fleetID, kind, severity string, timeoutSeconds int, geofenceID string, speedLimitKmh float64) error {
	query := `
		INSERT INTO alert_rules (id, fleet_id, kind, severity, enabled, timeout_seconds, geofence_id, speed_limit_kmh)
		VALUES ($1,$2,$3,$4,true,$5,NULLIF($6,''),$7)
		ON CONFLICT (id) DO UPDATE SET
			fleet_id = EXCLUDED.fleet_id,
			kind = EXCLUDED.kind,
			severity = EXCLUDED.severity,
			enabled = true,
			timeout_seconds = EXCLUDED.timeout_seconds,
			geofence_id = EXCLUDED.geofence_id,
			speed_limit_kmh = EXCLUDED.speed_limit_kmh
	`
	_, err := s.pool.Exec(ctx, query, id, fleetID, kind, severity, timeoutSeconds, geofenceID, speedLimitKmh)
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", id, err)
	}
	return nil
}

func (s *Postgres) GetTriggerState(ctx context.Context, vehicleID, ruleID string) (*domain.AlertTriggerState, error) {
	query := `
		SELECT vehicle_id, rule_id, triggered, COALESCE(triggered_at, 'epoch'::timestamptz), last_evaluated
		FROM alert_trigger_state WHERE vehicle_id = $1 AND rule_id = $2
	`
	ts := &domain.AlertTriggerState{}
	err := s.pool.QueryRow(ctx, query, vehicleID, ruleID).Scan(
		&ts.VehicleID, &ts.RuleID, &ts.Triggered, &ts.TriggeredAt, &ts.LastEvaluated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger state %s/%s: %w", vehicleID, ruleID, err)
	}
	return ts, nil
}

func (s *Postgres) SaveTriggerState(ctx context.Context, ts *domain.AlertTriggerState) error {
	query := `
		INSERT INTO alert_trigger_state (vehicle_id, rule_id, triggered, triggered_at, last_evaluated)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (vehicle_id, rule_id) DO UPDATE SET
			triggered = EXCLUDED.triggered,
			triggered_at = EXCLUDED.triggered_at,
			last_evaluated = EXCLUDED.last_evaluated
	`
	_, err := s.pool.Exec(ctx, query, ts.VehicleID, ts.RuleID, ts.Triggered, ts.TriggeredAt, ts.LastEvaluated)
	if err != nil {
		return fmt.Errorf("save trigger state %s/%s: %w", ts.VehicleID, ts.RuleID, err)
	}
	return nil
}

// CreateNotification inserts a PENDING record. ErrDuplicate signals that the
// (alert event, recipient, channel) tuple was already dispatched.
func (s *Postgres) CreateNotification(ctx context.Context, n *domain.NotificationRecord) error {
	query := `
		INSERT INTO notifications
			(id, alert_event_id, kind, channel, recipient, subject, preview,
			 status, retry_count, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`
	_, err := s.pool.Exec(ctx, query,
		n.ID, n.AlertEventID, n.Kind, n.Channel, n.Recipient, n.Subject, n.Preview,
		n.Status, n.RetryCount, n.LastError, n.CreatedAt, n.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *Postgres) UpdateNotification(ctx context.Context, id string, status domain.NotificationStatus, retryCount int, lastError string) error {
	query := `
		UPDATE notifications
		SET status = $2, retry_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, status, retryCount, lastError)
	if err != nil {
		return fmt.Errorf("update notification %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNotificationRead transitions a DELIVERED record to READ.
func (s *Postgres) MarkNotificationRead(ctx context.Context, id string) error {
	query := `
		UPDATE notifications SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	tag, err := s.pool.Exec(ctx, query, id, domain.NotificationRead, domain.NotificationDelivered)
	if err != nil {
		return fmt.Errorf("mark notification read %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Record implements bus.DeadLetterSink against the dead_letters table.
func (s *Postgres) Record(ctx context.Context, dl bus.DeadLetter) error {
	query := `
		INSERT INTO dead_letters
			(event_id, topic, partition_key, consumer_group, payload, deliveries, last_error, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := s.pool.Exec(ctx, query,
		dl.Event.ID, dl.Event.Topic, dl.Event.Key, dl.Group,
		dl.Event.Payload, dl.Deliveries, dl.LastError, dl.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("record dead letter %s: %w", dl.Event.ID, err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead-lettered events for operator
// inspection.
func (s *Postgres) ListDeadLetters(ctx context.Context, limit int) ([]bus.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, topic, partition_key, consumer_group, payload, deliveries, last_error, failed_at
		FROM dead_letters ORDER BY failed_at DESC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []bus.DeadLetter
	for rows.Next() {
		var dl bus.DeadLetter
		if err := rows.Scan(
			&dl.Event.ID, &dl.Event.Topic, &dl.Event.Key, &dl.Group,
			&dl.Event.Payload, &dl.Deliveries, &dl.LastError, &dl.FailedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
