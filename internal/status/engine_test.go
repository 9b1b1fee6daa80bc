package status

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salimomrani/trucktrack-sub002/internal/bus"
	"github.com/salimomrani/trucktrack-sub002/internal/domain"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
	"github.com/salimomrani/trucktrack-sub002/internal/store"
)

type fakeStore struct {
	states      map[string]*domain.VehicleState
	positions   []*domain.PositionEvent
	changes     []*domain.StatusChangeEvent
	saveErr     error
	insertErr   error
	onListStale func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]*domain.VehicleState)}
}

func (s *fakeStore) InsertPositions(_ context.Context, events []*domain.PositionEvent) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.positions = append(s.positions, events...)
	return nil
}

func (s *fakeStore) GetVehicleState(_ context.Context, vehicleID string) (*domain.VehicleState, error) {
	st, ok := s.states[vehicleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *fakeStore) SaveVehicleState(_ context.Context, st *domain.VehicleState, change *domain.StatusChangeEvent) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *st
	s.states[st.VehicleID] = &cp
	if change != nil {
		s.changes = append(s.changes, change)
	}
	return nil
}

func (s *fakeStore) SaveVehicleStateIfCurrent(_ context.Context, st *domain.VehicleState, change *domain.StatusChangeEvent, expectedEventID string) (bool, error) {
	if s.saveErr != nil {
		return false, s.saveErr
	}
	cur, ok := s.states[st.VehicleID]
	if !ok || cur.LastEventID != expectedEventID {
		return false, nil
	}
	cp := *st
	s.states[st.VehicleID] = &cp
	if change != nil {
		s.changes = append(s.changes, change)
	}
	return true, nil
}

func (s *fakeStore) ListStaleVehicleStates(_ context.Context, cutoff time.Time) ([]*domain.VehicleState, error) {
	var out []*domain.VehicleState
	for _, st := range s.states {
		if st.Status != domain.StatusOffline && st.LastSeen.Before(cutoff) {
			cp := *st
			out = append(out, &cp)
		}
	}
	if s.onListStale != nil {
		s.onListStale()
	}
	return out, nil
}

type fakeCache struct {
	states map[string]*domain.VehicleState
	err    error
}

func newFakeCache() *fakeCache {
	return &fakeCache{states: make(map[string]*domain.VehicleState)}
}

func (c *fakeCache) SetVehicleState(_ context.Context, st *domain.VehicleState) error {
	if c.err != nil {
		return c.err
	}
	cp := *st
	c.states[st.VehicleID] = &cp
	return nil
}

func (c *fakeCache) GetVehicleState(_ context.Context, vehicleID string) (*domain.VehicleState, error) {
	if c.err != nil {
		return nil, c.err
	}
	st, ok := c.states[vehicleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

type fakeFanout struct {
	positions []*domain.PositionEvent
	changes   []*domain.StatusChangeEvent
}

func (f *fakeFanout) PublishPosition(_ context.Context, ev *domain.PositionEvent) {
	f.positions = append(f.positions, ev)
}

func (f *fakeFanout) PublishStatusChange(_ context.Context, ev *domain.StatusChangeEvent) {
	f.changes = append(f.changes, ev)
}

type engineFixture struct {
	engine *Engine
	store  *fakeStore
	cache  *fakeCache
	fanout *fakeFanout
	now    time.Time
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:  newFakeStore(),
		cache:  newFakeCache(),
		fanout: &fakeFanout{},
		now:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.store, f.cache, f.fanout, metrics.NewForTest(), zerolog.Nop())
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *engineFixture) position(eventID string, speed float64, recordedAt time.Time) bus.Event {
	pos := &domain.PositionEvent{
		EventID:    eventID,
		VehicleID:  "veh-1",
		FleetID:    "fleet-1",
		Latitude:   48.85,
		Longitude:  2.35,
		SpeedKmh:   speed,
		RecordedAt: recordedAt,
		ReceivedAt: f.now,
	}
	payload, _ := json.Marshal(pos)
	return bus.Event{ID: eventID, Topic: bus.TopicPositions, Key: pos.VehicleID, Payload: payload}
}

func TestEngine_FirstPositionEmitsTransitionFromOffline(t *testing.T) {
	f := newFixture(t)

	ev := f.position("ev-1", 40, f.now.Add(-30*time.Second))
	require.NoError(t, f.engine.HandlePosition(context.Background(), ev))

	require.Len(t, f.store.changes, 1)
	assert.Equal(t, domain.StatusOffline, f.store.changes[0].Previous)
	assert.Equal(t, domain.StatusActive, f.store.changes[0].New)
	assert.Equal(t, domain.StatusActive, f.store.states["veh-1"].Status)
	assert.Len(t, f.fanout.positions, 1)
	assert.Len(t, f.fanout.changes, 1)
}

func TestEngine_NoTransitionNoEvent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-1", 40, f.now.Add(-time.Minute))))
	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-2", 45, f.now.Add(-30*time.Second))))

	// Second event refreshes state without a second change event.
	assert.Len(t, f.store.changes, 1)
	assert.Len(t, f.fanout.changes, 1)
	assert.Equal(t, "ev-2", f.store.states["veh-1"].LastEventID)
	assert.Len(t, f.fanout.positions, 2)
}

func TestEngine_TransitionSequenceHasNoGaps(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-1", 40, f.now.Add(-30*time.Second))))
	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-2", 2, f.now.Add(-20*time.Second))))
	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-3", 50, f.now.Add(-10*time.Second))))

	require.Len(t, f.store.changes, 3)
	for i := 1; i < len(f.store.changes); i++ {
		assert.Equal(t, f.store.changes[i-1].New, f.store.changes[i].Previous, "gap at change %d", i)
	}
}

func TestEngine_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)

	ev := f.position("ev-1", 40, f.now.Add(-30*time.Second))
	require.NoError(t, f.engine.HandlePosition(context.Background(), ev))
	require.NoError(t, f.engine.HandlePosition(context.Background(), ev))

	assert.Len(t, f.store.changes, 1)
	assert.Len(t, f.fanout.changes, 1)
	assert.Len(t, f.store.positions, 1)
}

func TestEngine_OutOfOrderEventDoesNotRegressStatus(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-2", 40, f.now.Add(-30*time.Second))))
	// An older, slow position arrives late.
	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-1", 0, f.now.Add(-10*time.Minute))))

	st := f.store.states["veh-1"]
	assert.Equal(t, domain.StatusActive, st.Status)
	assert.Equal(t, f.now.Add(-30*time.Second), st.LastSeen)
	assert.Equal(t, 40.0, st.SpeedKmh)
	// History still keeps both.
	assert.Len(t, f.store.positions, 2)
	// No transition was emitted for the stale event.
	assert.Len(t, f.store.changes, 1)
}

func TestEngine_CacheOutageDoesNotAffectCorrectness(t *testing.T) {
	f := newFixture(t)
	f.cache.err = errors.New("redis down")

	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-1", 40, f.now.Add(-30*time.Second))))

	require.Len(t, f.store.changes, 1)
	assert.Equal(t, domain.StatusActive, f.store.states["veh-1"].Status)

	// Reads fall back to the durable store.
	st, err := f.engine.ReadStatus(context.Background(), "veh-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, st.Status)
}

func TestEngine_PersistenceFailurePropagatesForRedelivery(t *testing.T) {
	f := newFixture(t)
	f.store.saveErr = errors.New("pg down")

	err := f.engine.HandlePosition(context.Background(), f.position("ev-1", 40, f.now.Add(-30*time.Second)))
	assert.Error(t, err)
	assert.Empty(t, f.fanout.changes)
}

func TestEngine_ReadStatusDerivesEffectiveStatusByAge(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-1", 40, f.now.Add(-30*time.Second))))

	// Time passes with no events; the vehicle should read OFFLINE.
	f.now = f.now.Add(15 * time.Minute)
	st, err := f.engine.ReadStatus(context.Background(), "veh-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, st.Status)
}

func TestEngine_SweeperEmitsOfflineTransition(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-1", 40, f.now.Add(-30*time.Second))))
	require.Len(t, f.store.changes, 1)

	f.now = f.now.Add(20 * time.Minute)
	f.engine.sweep(context.Background())

	require.Len(t, f.store.changes, 2)
	last := f.store.changes[1]
	assert.Equal(t, domain.StatusActive, last.Previous)
	assert.Equal(t, domain.StatusOffline, last.New)
	assert.Equal(t, domain.StatusOffline, f.store.states["veh-1"].Status)

	// A second sweep is quiescent.
	f.engine.sweep(context.Background())
	assert.Len(t, f.store.changes, 2)
}

func TestEngine_SweepYieldsToConcurrentPositionWrite(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.HandlePosition(context.Background(), f.position("ev-1", 2, f.now.Add(-30*time.Second))))
	require.Len(t, f.store.changes, 1) // OFFLINE→IDLE

	// A fresh ACTIVE report lands between the sweeper's stale read and its
	// write; the guarded save must yield to it.
	f.now = f.now.Add(20 * time.Minute)
	f.store.onListStale = func() {
		require.NoError(t, f.engine.HandlePosition(context.Background(),
			f.position("ev-2", 40, f.now.Add(-30*time.Second))))
	}
	f.engine.sweep(context.Background())

	st := f.store.states["veh-1"]
	assert.Equal(t, domain.StatusActive, st.Status, "fresh report must not be overwritten by the stale sweep")
	assert.Equal(t, "ev-2", st.LastEventID)
	assert.Equal(t, f.now.Add(-30*time.Second), st.LastSeen)

	// The transition chain stays gapless: OFFLINE→IDLE, IDLE→ACTIVE, nothing
	// from the sweep.
	require.Len(t, f.store.changes, 2)
	for i := 1; i < len(f.store.changes); i++ {
		assert.Equal(t, f.store.changes[i-1].New, f.store.changes[i].Previous, "gap at change %d", i)
	}
	assert.Equal(t, domain.StatusActive, f.store.changes[1].New)
}
