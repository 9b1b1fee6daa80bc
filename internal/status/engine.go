// Package status derives per-vehicle operational status from the position
// stream. State for a vehicle is only ever mutated by the single bus
// partition worker that owns its key, so the engine needs no locking; the
// sweeper, which runs outside that worker, writes through an optimistic
// guard and yields whenever a position got there first.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/salimomrani/trucktrack-sub002/internal/bus"
	"github.com/salimomrani/trucktrack-sub002/internal/domain"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
	"github.com/salimomrani/trucktrack-sub002/internal/store"
)

// Store is the durable source of truth (implemented by store.Postgres).
type Store interface {
	InsertPositions(ctx context.Context, events []*domain.PositionEvent) error
	GetVehicleState(ctx context.Context, vehicleID string) (*domain.VehicleState, error)
	SaveVehicleState(ctx context.Context, st *domain.VehicleState, change *domain.StatusChangeEvent) error
	SaveVehicleStateIfCurrent(ctx context.Context, st *domain.VehicleState, change *domain.StatusChangeEvent, expectedEventID string) (bool, error)
	ListStaleVehicleStates(ctx context.Context, cutoff time.Time) ([]*domain.VehicleState, error)
}

// Cache is the fast-read tier (implemented by store.Redis). Failures here
// degrade to store reads and never fail the pipeline.
type Cache interface {
	SetVehicleState(ctx context.Context, st *domain.VehicleState) error
	GetVehicleState(ctx context.Context, vehicleID string) (*domain.VehicleState, error)
}

// Fanout is the best-effort live push (implemented by live.Broadcaster).
type Fanout interface {
	PublishPosition(ctx context.Context, ev *domain.PositionEvent)
	PublishStatusChange(ctx context.Context, ev *domain.StatusChangeEvent)
}

type Engine struct {
	store  Store
	cache  Cache
	fanout Fanout
	logger zerolog.Logger
	m      *metrics.Metrics
	now    func() time.Time
}

func NewEngine(st Store, cache Cache, fanout Fanout, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  st,
		cache:  cache,
		fanout: fanout,
		logger: logger.With().Str("component", "status").Logger(),
		m:      m,
		now:    time.Now,
	}
}

// HandlePosition is the bus handler for the positions topic. A returned error
// means the durable write failed and the event must be redelivered.
func (e *Engine) HandlePosition(ctx context.Context, ev bus.Event) error {
	pos := &domain.PositionEvent{}
	if err := json.Unmarshal(ev.Payload, pos); err != nil {
		// Undecodable payloads never succeed; let the bus dead-letter them.
		return fmt.Errorf("decode position event: %w", err)
	}
	return e.processPosition(ctx, pos)
}

func (e *Engine) processPosition(ctx context.Context, pos *domain.PositionEvent) error {
	prev, err := e.store.GetVehicleState(ctx, pos.VehicleID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load state for %s: %w", pos.VehicleID, err)
	}

	// Redelivered event already applied: converge without a second
	// StatusChangeEvent.
	if prev != nil && prev.LastEventID == pos.EventID {
		e.writeCache(ctx, prev)
		return nil
	}

	if err := e.store.InsertPositions(ctx, []*domain.PositionEvent{pos}); err != nil {
		return fmt.Errorf("persist position %s: %w", pos.EventID, err)
	}

	now := e.now()

	// Status always derives from the most recent source timestamp seen, so an
	// out-of-order event is kept as history but cannot regress the status.
	latestSpeed := pos.SpeedKmh
	latestSeen := pos.RecordedAt
	latestLat, latestLng, latestHeading := pos.Latitude, pos.Longitude, pos.Heading
	if prev != nil && pos.RecordedAt.Before(prev.LastSeen) {
		latestSpeed = prev.SpeedKmh
		latestSeen = prev.LastSeen
		latestLat, latestLng, latestHeading = prev.Latitude, prev.Longitude, prev.Heading
	}

	newStatus := domain.DeriveStatus(latestSpeed, now.Sub(latestSeen))

	next := &domain.VehicleState{
		VehicleID:   pos.VehicleID,
		FleetID:     pos.FleetID,
		Status:      newStatus,
		Latitude:    latestLat,
		Longitude:   latestLng,
		SpeedKmh:    latestSpeed,
		Heading:     latestHeading,
		LastSeen:    latestSeen,
		LastEventID: pos.EventID,
		UpdatedAt:   now,
	}

	var change *domain.StatusChangeEvent
	prevStatus := domain.StatusOffline // baseline for a vehicle never seen
	if prev != nil {
		prevStatus = prev.Status
	}
	if prevStatus != newStatus {
		change = &domain.StatusChangeEvent{
			VehicleID:  pos.VehicleID,
			FleetID:    pos.FleetID,
			Previous:   prevStatus,
			New:        newStatus,
			Latitude:   latestLat,
			Longitude:  latestLng,
			OccurredAt: now,
		}
	}

	if err := e.store.SaveVehicleState(ctx, next, change); err != nil {
		return fmt.Errorf("persist state for %s: %w", pos.VehicleID, err)
	}

	e.writeCache(ctx, next)

	if change != nil {
		e.m.StatusTransitions.WithLabelValues(string(newStatus)).Inc()
		e.logger.Info().
			Str("vehicle_id", pos.VehicleID).
			Str("previous", string(change.Previous)).
			Str("new", string(change.New)).
			Msg("status transition")
		e.fanout.PublishStatusChange(ctx, change)
	}
	e.fanout.PublishPosition(ctx, pos)

	return nil
}

// writeCache is the best-effort cache update; failure only costs read latency.
func (e *Engine) writeCache(ctx context.Context, st *domain.VehicleState) {
	if err := e.cache.SetVehicleState(ctx, st); err != nil {
		e.m.CacheErrors.Inc()
		e.logger.Warn().Err(err).Str("vehicle_id", st.VehicleID).Msg("cache update failed, reads degrade to store")
	}
}

// ReadStatus serves the read path: cache first, store on miss or cache
// failure. The returned status is re-derived from age so a silent vehicle
// reads as OFFLINE even before the sweeper persists the transition.
func (e *Engine) ReadStatus(ctx context.Context, vehicleID string) (*domain.VehicleState, error) {
	st, err := e.cache.GetVehicleState(ctx, vehicleID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.m.CacheErrors.Inc()
			e.logger.Warn().Err(err).Str("vehicle_id", vehicleID).Msg("cache read failed, falling back to store")
		}
		st, err = e.store.GetVehicleState(ctx, vehicleID)
		if err != nil {
			return nil, err
		}
	}

	effective := domain.DeriveStatus(st.SpeedKmh, e.now().Sub(st.LastSeen))
	if effective != st.Status {
		view := *st
		view.Status = effective
		return &view, nil
	}
	return st, nil
}

// RunSweeper periodically re-derives status for vehicles that stopped
// reporting, so IDLE/OFFLINE transitions happen without a new event.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	now := e.now()
	stale, err := e.store.ListStaleVehicleStates(ctx, now.Add(-domain.ActiveMaxAge))
	if err != nil {
		e.logger.Warn().Err(err).Msg("sweep query failed")
		return
	}

	for _, st := range stale {
		newStatus := domain.DeriveStatus(st.SpeedKmh, now.Sub(st.LastSeen))
		if newStatus == st.Status {
			continue
		}

		change := &domain.StatusChangeEvent{
			VehicleID:  st.VehicleID,
			FleetID:    st.FleetID,
			Previous:   st.Status,
			New:        newStatus,
			Latitude:   st.Latitude,
			Longitude:  st.Longitude,
			OccurredAt: now,
		}
		next := *st
		next.Status = newStatus
		next.UpdatedAt = now

		// Guarded write: the partition worker owns this key, so the sweep
		// applies only if no position landed since the stale snapshot.
		applied, err := e.store.SaveVehicleStateIfCurrent(ctx, &next, change, st.LastEventID)
		if err != nil {
			e.logger.Warn().Err(err).Str("vehicle_id", st.VehicleID).Msg("sweep persist failed")
			continue
		}
		if !applied {
			continue
		}
		e.writeCache(ctx, &next)
		e.m.StatusTransitions.WithLabelValues(string(newStatus)).Inc()
		e.fanout.PublishStatusChange(ctx, change)
	}
}
