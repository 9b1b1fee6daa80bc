package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/salimomrani/trucktrack-sub002/internal/bus"
	"github.com/salimomrani/trucktrack-sub002/internal/config"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
)

// MQTTSource subscribes to the device telemetry topic and feeds reports into
// the same validate-then-publish path as the HTTP surface. A bad message is
// dropped and logged, never fatal.
type MQTTSource struct {
	client    mqtt.Client
	topic     string
	validator *Validator
	publisher Publisher
	logger    zerolog.Logger
	m         *metrics.Metrics
}

func NewMQTTSource(cfg *config.Config, v *Validator, p Publisher, m *metrics.Metrics, logger zerolog.Logger) *MQTTSource {
	s := &MQTTSource{
		topic:     cfg.MQTTTopic,
		validator: v,
		publisher: p,
		logger:    logger.With().Str("component", "mqtt").Logger(),
		m:         m,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			if token := c.Subscribe(s.topic, 1, s.onMessage); token.Wait() && token.Error() != nil {
				s.logger.Error().Err(token.Error()).Str("topic", s.topic).Msg("mqtt subscribe failed")
				return
			}
			s.logger.Info().Str("topic", s.topic).Msg("mqtt subscribed")
		})
	s.client = mqtt.NewClient(opts)
	return s
}

func (s *MQTTSource) Start() error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

func (s *MQTTSource) Close() {
	s.client.Disconnect(250)
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var report Report
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		s.m.PositionsRejected.Inc()
		s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("undecodable mqtt report dropped")
		return
	}

	ev, verr := s.validator.Validate(&report)
	if verr != nil {
		s.m.PositionsRejected.Inc()
		s.logger.Warn().Err(verr).Str("topic", msg.Topic()).Msg("invalid mqtt report dropped")
		return
	}
	ev.RawPayload = msg.Payload()

	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal position event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, bus.TopicPositions, ev.VehicleID, payload); err != nil {
		s.logger.Error().Err(err).Str("vehicle_id", ev.VehicleID).Msg("mqtt position publish failed")
		return
	}
	s.m.BusPublished.WithLabelValues(bus.TopicPositions).Inc()
	s.m.PositionsReceived.WithLabelValues("mqtt").Inc()
}
