package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
)

// JetStreamBus maps the bus contract onto NATS JetStream. Each topic is a
// stream partitioned into fixed filter subjects ("<topic>.p<N>.<key>"); each
// consumer group gets one durable consumer per partition, drained by a
// sequential fetch loop so per-key order holds. Redelivery uses Nak with
// delay; the delivery-count budget routes to the dead-letter sink.
type JetStreamBus struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	policy     Policy
	partitions int
	sink       DeadLetterSink
	logger     zerolog.Logger
	m          *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// jsEnvelope carries bus metadata alongside the payload on the wire.
type jsEnvelope struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

func NewJetStreamBus(url string, policy Policy, partitions int, sink DeadLetterSink, m *metrics.Metrics, logger zerolog.Logger) (*JetStreamBus, error) {
	if partitions <= 0 {
		partitions = 3
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &JetStreamBus{
		nc:         nc,
		js:         js,
		policy:     policy.withDefaults(),
		partitions: partitions,
		sink:       sink,
		logger:     logger.With().Str("component", "jsbus").Logger(),
		m:          m,
		ctx:        ctx,
		cancel:     cancel,
	}

	setupCtx, setupCancel := context.WithTimeout(ctx, 10*time.Second)
	defer setupCancel()
	for _, topic := range []string{TopicPositions, TopicAlerts} {
		if err := b.ensureStream(setupCtx, topic); err != nil {
			cancel()
			nc.Close()
			return nil, err
		}
	}

	return b, nil
}

func (b *JetStreamBus) ensureStream(ctx context.Context, topic string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(topic),
		Subjects:  []string{topic + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream for %s: %w", topic, err)
	}
	return nil
}

func (b *JetStreamBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	env := jsEnvelope{
		ID:          uuid.NewString(),
		Key:         key,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("%s.p%d.%s", topic, partitionFor(key, b.partitions), sanitizeToken(key))
	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if b.m != nil {
		b.m.BusPublished.WithLabelValues(topic).Inc()
	}
	return nil
}

// Subscribe starts one fetch loop per partition. concurrency caps how many
// partitions this process drains; remaining partitions are left for other
// instances of the same group.
func (b *JetStreamBus) Subscribe(topic, group string, concurrency int, h Handler) error {
	if concurrency <= 0 || concurrency > b.partitions {
		concurrency = b.partitions
	}

	for p := 0; p < concurrency; p++ {
		name := fmt.Sprintf("%s-%s-p%d", streamName(topic), sanitizeToken(group), p)
		cons, err := b.js.CreateOrUpdateConsumer(b.ctx, streamName(topic), jetstream.ConsumerConfig{
			Durable:       name,
			FilterSubject: fmt.Sprintf("%s.p%d.>", topic, p),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxAckPending: 1,
			MaxDeliver:    -1,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", name, err)
		}

		b.wg.Add(1)
		go b.runFetchLoop(topic, group, p, cons, h)
	}
	return nil
}

// fetcher is the slice of jetstream.Consumer the fetch loop needs.
type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

func (b *JetStreamBus) runFetchLoop(topic, group string, partition int, cons fetcher, h Handler) {
	defer b.wg.Done()

	log := b.logger.With().Str("topic", topic).Str("group", group).Int("partition", partition).Logger()

	fetchFailures := 0
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			fetchFailures++
			log.Warn().Err(err).Int("consecutive", fetchFailures).Msg("fetch failed")
			// Back off so a NATS outage doesn't turn into a hot loop.
			delay := time.Duration(fetchFailures) * 500 * time.Millisecond
			if delay > 5*time.Second {
				delay = 5 * time.Second
			}
			select {
			case <-time.After(delay):
			case <-b.ctx.Done():
				return
			}
			continue
		}
		fetchFailures = 0
		for msg := range batch.Messages() {
			b.handleMessage(log, topic, group, msg, h)
		}
	}
}

func (b *JetStreamBus) handleMessage(log zerolog.Logger, topic, group string, msg jetstream.Msg, h Handler) {
	var env jsEnvelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		// Malformed wire data cannot succeed on redelivery.
		log.Error().Err(err).Msg("undecodable message, dead-lettering")
		b.deadLetter(log, group, Event{Topic: topic, Payload: msg.Data()}, 1, err)
		_ = msg.Ack()
		return
	}

	ev := Event{
		ID:          env.ID,
		Topic:       topic,
		Key:         env.Key,
		Payload:     env.Payload,
		PublishedAt: env.PublishedAt,
	}

	deliveries := 1
	if meta, err := msg.Metadata(); err == nil {
		deliveries = int(meta.NumDelivered)
	}

	start := time.Now()
	err := h(b.ctx, ev)
	if b.m != nil {
		b.m.HandlerDuration.WithLabelValues(topic, group).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		_ = msg.Ack()
		return
	}

	if b.m != nil {
		b.m.BusRedelivered.WithLabelValues(topic, group).Inc()
	}
	log.Warn().Err(err).Str("event_id", ev.ID).Int("delivery", deliveries).Msg("handler failed")

	if deliveries >= b.policy.MaxDeliveries {
		b.deadLetter(log, group, ev, deliveries, err)
		_ = msg.Ack()
		return
	}
	_ = msg.NakWithDelay(b.policy.RetryDelay * time.Duration(deliveries))
}

func (b *JetStreamBus) deadLetter(log zerolog.Logger, group string, ev Event, deliveries int, cause error) {
	if b.m != nil {
		b.m.BusDeadLettered.WithLabelValues(ev.Topic, group).Inc()
	}
	if b.sink == nil {
		return
	}
	dl := DeadLetter{
		Event:      ev,
		Group:      group,
		Deliveries: deliveries,
		LastError:  cause.Error(),
		FailedAt:   time.Now().UTC(),
	}
	if err := b.sink.Record(context.Background(), dl); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("dead-letter sink write failed")
	}
}

func (b *JetStreamBus) Close(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.nc.Close()
		return fmt.Errorf("bus close: %w", ctx.Err())
	}

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

func streamName(topic string) string {
	return strings.ToUpper(strings.ReplaceAll(topic, "-", "_"))
}

// sanitizeToken strips NATS subject metacharacters from user-supplied keys.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
