// Package rules evaluates externally configured alert rules against the
// position stream. Trigger state per (vehicle, rule) is edge-based: an alert
// fires once when its condition starts holding and re-arms only after the
// condition clears.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/salimomrani/trucktrack-sub002/internal/bus"
	"github.com/salimomrani/trucktrack-sub002/internal/domain"
	"github.com/salimomrani/trucktrack-sub002/internal/geo"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
	"github.com/salimomrani/trucktrack-sub002/internal/store"
)

// errSkipRule marks a rule whose evaluation fails open for this event:
// no state change, no alert, other rules unaffected.
var errSkipRule = errors.New("rule evaluation skipped")

// RuleSource lists the enabled rules (implemented by store.Postgres).
type RuleSource interface {
	ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error)
}

// TriggerStore persists edge state (implemented by store.Postgres).
type TriggerStore interface {
	GetTriggerState(ctx context.Context, vehicleID, ruleID string) (*domain.AlertTriggerState, error)
	SaveTriggerState(ctx context.Context, ts *domain.AlertTriggerState) error
}

// Geospatial answers point-in-geofence queries (implemented by geo.Client).
type Geospatial interface {
	Evaluate(ctx context.Context, geofenceID string, lat, lng float64) (geo.Result, error)
}

// Directory resolves alert recipients (implemented by directory.Client).
type Directory interface {
	Recipients(ctx context.Context, vehicleID string, kind domain.RuleKind) ([]string, error)
}

// vehicleTrack is the engine's in-memory view of one vehicle's recent
// movement, used by the timeout predicates. Safe without per-entry locking
// because one partition worker owns each vehicle.
type vehicleTrack struct {
	lastSeen  time.Time
	idleSince time.Time // zero while moving
}

type Engine struct {
	rules    RuleSource
	triggers TriggerStore
	geo      Geospatial
	dir      Directory
	bus      bus.Bus
	logger   zerolog.Logger
	m        *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	tracks map[string]*vehicleTrack

	// Rule cache: rules are read-only here and refresh on an interval.
	ruleMu      sync.Mutex
	ruleTTL     time.Duration
	cachedRules []domain.AlertRule
	rulesAt     time.Time
}

func NewEngine(rules RuleSource, triggers TriggerStore, g Geospatial, dir Directory, b bus.Bus, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		rules:    rules,
		triggers: triggers,
		geo:      g,
		dir:      dir,
		bus:      b,
		logger:   logger.With().Str("component", "rules").Logger(),
		m:        m,
		now:      time.Now,
		tracks:   make(map[string]*vehicleTrack),
		ruleTTL:  30 * time.Second,
	}
}

// HandlePosition is the bus handler for the positions topic within the rules
// consumer group.
func (e *Engine) HandlePosition(ctx context.Context, ev bus.Event) error {
	pos := &domain.PositionEvent{}
	if err := json.Unmarshal(ev.Payload, pos); err != nil {
		return fmt.Errorf("decode position event: %w", err)
	}
	return e.evaluateRules(ctx, pos)
}

func (e *Engine) evaluateRules(ctx context.Context, pos *domain.PositionEvent) error {
	all, err := e.loadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	track := e.trackFor(pos)

	var errs []error
	for i := range all {
		rule := &all[i]
		if !rule.AppliesTo(pos.FleetID, pos.VehicleID) {
			continue
		}
		if err := e.evaluateRule(ctx, rule, pos, track); err != nil {
			// One rule's failure must not block the others.
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
	}

	e.advanceTrack(pos)

	// Transient emission/persistence failures escalate so the bus redelivers.
	return errors.Join(errs...)
}

func (e *Engine) evaluateRule(ctx context.Context, rule *domain.AlertRule, pos *domain.PositionEvent, track vehicleTrack) error {
	holds, err := e.predicateHolds(ctx, rule, pos, track)
	if err != nil {
		if errors.Is(err, errSkipRule) {
			e.m.RuleEvaluations.WithLabelValues(string(rule.Kind), "skipped").Inc()
			e.logger.Warn().Err(err).Str("rule_id", rule.ID).Str("vehicle_id", pos.VehicleID).
				Msg("collaborator unavailable, rule skipped for this event")
			return nil
		}
		e.m.RuleEvaluations.WithLabelValues(string(rule.Kind), "error").Inc()
		e.logger.Warn().Err(err).Str("rule_id", rule.ID).Str("vehicle_id", pos.VehicleID).Msg("rule evaluation failed")
		return nil
	}
	e.m.RuleEvaluations.WithLabelValues(string(rule.Kind), "ok").Inc()

	state, err := e.triggers.GetTriggerState(ctx, pos.VehicleID, rule.ID)
	if errors.Is(err, store.ErrNotFound) {
		state = &domain.AlertTriggerState{VehicleID: pos.VehicleID, RuleID: rule.ID}
	} else if err != nil {
		return fmt.Errorf("load trigger state: %w", err)
	}

	now := e.now()

	switch {
	case holds && !state.Triggered:
		// Rising edge: the only point an alert fires.
		emitted, err := e.emitAlert(ctx, rule, pos, now)
		if err != nil {
			return err
		}
		if !emitted {
			// Directory unavailable: leave the edge unconsumed so the next
			// evaluation retries the emission.
			return nil
		}
		state.Triggered = true
		state.TriggeredAt = now
		state.LastEvaluated = now
		if err := e.triggers.SaveTriggerState(ctx, state); err != nil {
			return fmt.Errorf("save trigger state: %w", err)
		}

	case !holds && state.Triggered:
		// Falling edge: condition cleared, re-arm.
		state.Triggered = false
		state.LastEvaluated = now
		if err := e.triggers.SaveTriggerState(ctx, state); err != nil {
			return fmt.Errorf("save trigger state: %w", err)
		}
		e.logger.Info().Str("rule_id", rule.ID).Str("vehicle_id", pos.VehicleID).Msg("alert condition cleared")
	}

	return nil
}

// predicateHolds dispatches to the per-kind evaluation. errSkipRule means a
// collaborator was unreachable and the rule fails open for this event.
func (e *Engine) predicateHolds(ctx context.Context, rule *domain.AlertRule, pos *domain.PositionEvent, track vehicleTrack) (bool, error) {
	switch rule.Kind {
	case domain.RuleSpeedLimit:
		return pos.SpeedKmh > rule.SpeedLimitKmh, nil

	case domain.RuleOfflineTimeout:
		if track.lastSeen.IsZero() {
			return false, nil
		}
		gap := pos.RecordedAt.Sub(track.lastSeen)
		return gap > time.Duration(rule.TimeoutSeconds)*time.Second, nil

	case domain.RuleIdleTimeout:
		if pos.SpeedKmh > domain.ActiveSpeedKmh || track.idleSince.IsZero() {
			return false, nil
		}
		idleFor := pos.RecordedAt.Sub(track.idleSince)
		return idleFor > time.Duration(rule.TimeoutSeconds)*time.Second, nil

	case domain.RuleGeofenceEnter, domain.RuleGeofenceExit:
		res, err := e.geo.Evaluate(ctx, rule.GeofenceID, pos.Latitude, pos.Longitude)
		if errors.Is(err, geo.ErrUnavailable) {
			return false, errSkipRule
		}
		if err != nil {
			return false, fmt.Errorf("geofence lookup: %w", err)
		}
		if rule.Kind == domain.RuleGeofenceEnter {
			return res.Inside, nil
		}
		return !res.Inside, nil

	default:
		return false, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

func (e *Engine) emitAlert(ctx context.Context, rule *domain.AlertRule, pos *domain.PositionEvent, now time.Time) (bool, error) {
	recipients, err := e.dir.Recipients(ctx, pos.VehicleID, rule.Kind)
	if err != nil {
		// Directory unreachable: fail open for this event.
		e.m.RuleEvaluations.WithLabelValues(string(rule.Kind), "skipped").Inc()
		e.logger.Warn().Err(err).Str("rule_id", rule.ID).Str("vehicle_id", pos.VehicleID).
			Msg("recipient resolution failed, alert deferred")
		return false, nil
	}

	alert := &domain.AlertTriggeredEvent{
		EventID:     uuid.NewString(),
		RuleID:      rule.ID,
		VehicleID:   pos.VehicleID,
		FleetID:     pos.FleetID,
		Kind:        rule.Kind,
		Severity:    rule.Severity,
		Message:     alertMessage(rule, pos),
		Latitude:    pos.Latitude,
		Longitude:   pos.Longitude,
		TriggeredAt: now,
		Recipients:  recipients,
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return false, fmt.Errorf("marshal alert: %w", err)
	}
	if err := e.bus.Publish(ctx, bus.TopicAlerts, alert.VehicleID, payload); err != nil {
		return false, fmt.Errorf("publish alert: %w", err)
	}

	e.m.AlertsTriggered.WithLabelValues(string(rule.Kind), string(rule.Severity)).Inc()
	e.logger.Info().
		Str("rule_id", rule.ID).
		Str("vehicle_id", pos.VehicleID).
		Str("kind", string(rule.Kind)).
		Str("severity", string(rule.Severity)).
		Int("recipients", len(recipients)).
		Msg("alert triggered")
	return true, nil
}

func alertMessage(rule *domain.AlertRule, pos *domain.PositionEvent) string {
	switch rule.Kind {
	case domain.RuleSpeedLimit:
		return fmt.Sprintf("Vehicle %s exceeded %.0f km/h (at %.0f km/h)", pos.VehicleID, rule.SpeedLimitKmh, pos.SpeedKmh)
	case domain.RuleOfflineTimeout:
		return fmt.Sprintf("Vehicle %s resumed reporting after a gap over %ds", pos.VehicleID, rule.TimeoutSeconds)
	case domain.RuleIdleTimeout:
		return fmt.Sprintf("Vehicle %s has been idle for over %ds", pos.VehicleID, rule.TimeoutSeconds)
	case domain.RuleGeofenceEnter:
		return fmt.Sprintf("Vehicle %s entered geofence %s", pos.VehicleID, rule.GeofenceID)
	case domain.RuleGeofenceExit:
		return fmt.Sprintf("Vehicle %s left geofence %s", pos.VehicleID, rule.GeofenceID)
	default:
		return fmt.Sprintf("Vehicle %s triggered rule %s", pos.VehicleID, rule.ID)
	}
}

// trackFor returns the movement view used for this event's evaluation,
// i.e. before the event itself is folded in.
func (e *Engine) trackFor(pos *domain.PositionEvent) vehicleTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tracks[pos.VehicleID]; ok {
		return *t
	}
	return vehicleTrack{}
}

// advanceTrack folds the event into the vehicle's movement view. Out-of-order
// events do not move lastSeen backwards.
func (e *Engine) advanceTrack(pos *domain.PositionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tracks[pos.VehicleID]
	if !ok {
		t = &vehicleTrack{}
		e.tracks[pos.VehicleID] = t
	}
	if pos.RecordedAt.Before(t.lastSeen) {
		return
	}
	t.lastSeen = pos.RecordedAt

	if pos.SpeedKmh > domain.ActiveSpeedKmh {
		t.idleSince = time.Time{}
	} else if t.idleSince.IsZero() {
		t.idleSince = pos.RecordedAt
	}
}

func (e *Engine) loadRules(ctx context.Context) ([]domain.AlertRule, error) {
	e.ruleMu.Lock()
	defer e.ruleMu.Unlock()

	if e.cachedRules != nil && e.now().Sub(e.rulesAt) < e.ruleTTL {
		return e.cachedRules, nil
	}

	rules, err := e.rules.ListEnabledRules(ctx)
	if err != nil {
		if e.cachedRules != nil {
			// Stale rules beat no rules.
			return e.cachedRules, nil
		}
		return nil, err
	}
	e.cachedRules = rules
	e.rulesAt = e.now()
	return rules, nil
}
