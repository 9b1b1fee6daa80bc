// Package live pushes position, status, and alert updates to connected
// clients. Everything here is best-effort: failures are logged and swallowed,
// never surfaced to the pipeline.
package live

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/salimomrani/trucktrack-sub002/internal/domain"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
)

// Live channel addresses. Every update goes to a global broadcast channel
// and to the entity-scoped channel of the vehicle it concerns.
const (
	ChannelPositions = "live:positions"
	ChannelStatus    = "live:status"
	ChannelAlerts    = "live:alerts"
)

func VehicleChannel(vehicleID string) string {
	return "live:vehicle:" + vehicleID
}

// Envelope tags every live message with its payload type.
type Envelope struct {
	Type string          `json:"type"` // position | status | alert
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is satisfied by store.Redis.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type Broadcaster struct {
	pub    Publisher
	logger zerolog.Logger
	m      *metrics.Metrics
}

func NewBroadcaster(pub Publisher, m *metrics.Metrics, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		pub:    pub,
		logger: logger.With().Str("component", "fanout").Logger(),
		m:      m,
	}
}

func (b *Broadcaster) PublishPosition(ctx context.Context, ev *domain.PositionEvent) {
	b.send(ctx, "position", ev, ChannelPositions, VehicleChannel(ev.VehicleID))
}

func (b *Broadcaster) PublishStatusChange(ctx context.Context, ev *domain.StatusChangeEvent) {
	b.send(ctx, "status", ev, ChannelStatus, VehicleChannel(ev.VehicleID))
}

func (b *Broadcaster) PublishAlert(ctx context.Context, ev *domain.AlertTriggeredEvent) {
	b.send(ctx, "alert", ev, ChannelAlerts, VehicleChannel(ev.VehicleID))
}

// send marshals once and publishes to each channel, absorbing every failure.
func (b *Broadcaster) send(ctx context.Context, typ string, v interface{}, channels ...string) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error().Err(err).Str("type", typ).Msg("fanout marshal failed")
		b.m.FanoutErrors.Inc()
		return
	}
	payload, err := json.Marshal(Envelope{Type: typ, At: time.Now().UTC(), Data: data})
	if err != nil {
		b.logger.Error().Err(err).Str("type", typ).Msg("fanout envelope marshal failed")
		b.m.FanoutErrors.Inc()
		return
	}

	for _, ch := range channels {
		if err := b.pub.Publish(ctx, ch, payload); err != nil {
			b.logger.Warn().Err(err).Str("channel", ch).Str("type", typ).Msg("fanout publish failed")
			b.m.FanoutErrors.Inc()
		}
	}
}
