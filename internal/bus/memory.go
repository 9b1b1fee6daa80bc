package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
)

// MemoryBus is the in-process driver: per consumer group, events are hashed
// by partition key onto `concurrency` buffered lanes, each drained by one
// worker goroutine. Redelivery happens in place, so a failing event blocks
// its partition (and only its partition) until it succeeds or dead-letters.
type MemoryBus struct {
	policy Policy
	buffer int
	sink   DeadLetterSink
	logger zerolog.Logger
	m      *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	topics map[string]map[string]*groupSub
	closed bool
}

type groupSub struct {
	topic      string
	group      string
	partitions []chan Event
}

func NewMemoryBus(policy Policy, buffer int, sink DeadLetterSink, m *metrics.Metrics, logger zerolog.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		policy: policy.withDefaults(),
		buffer: buffer,
		sink:   sink,
		logger: logger.With().Str("component", "membus").Logger(),
		m:      m,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]map[string]*groupSub),
	}
}

func (b *MemoryBus) Subscribe(topic, group string, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("subscribe %s/%s: bus closed", topic, group)
	}
	groups, ok := b.topics[topic]
	if !ok {
		groups = make(map[string]*groupSub)
		b.topics[topic] = groups
	}
	if _, dup := groups[group]; dup {
		return fmt.Errorf("subscribe %s/%s: group already registered", topic, group)
	}

	sub := &groupSub{topic: topic, group: group, partitions: make([]chan Event, concurrency)}
	for i := range sub.partitions {
		ch := make(chan Event, b.buffer)
		sub.partitions[i] = ch
		b.wg.Add(1)
		go b.runPartition(sub, i, ch, h)
	}
	groups[group] = sub

	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	ev := Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		Key:         key,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}

	// The read lock is held through the sends: Close takes the write lock
	// before closing partition channels, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("publish %s: bus closed", topic)
	}

	for _, sub := range b.topics[topic] {
		ch := sub.partitions[partitionFor(key, len(sub.partitions))]
		select {
		case ch <- ev:
		case <-ctx.Done():
			return fmt.Errorf("publish %s: %w", topic, ctx.Err())
		case <-b.ctx.Done():
			return fmt.Errorf("publish %s: bus closed", topic)
		}
	}

	if b.m != nil {
		b.m.BusPublished.WithLabelValues(topic).Inc()
	}
	return nil
}

// Close stops accepting publishes and waits for partition workers to drain
// in-flight events, up to ctx's deadline.
func (b *MemoryBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, groups := range b.topics {
		for _, sub := range groups {
			for _, ch := range sub.partitions {
				close(ch)
			}
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	b.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus close: %w", ctx.Err())
	}
}

func (b *MemoryBus) runPartition(sub *groupSub, idx int, ch <-chan Event, h Handler) {
	defer b.wg.Done()

	log := b.logger.With().Str("topic", sub.topic).Str("group", sub.group).Int("partition", idx).Logger()

	for ev := range ch {
		b.deliver(log, sub, ev, h)
	}
}

// deliver runs the at-least-once loop for one event: retry with a linear
// delay until the handler succeeds or the delivery budget is spent, then
// dead-letter.
func (b *MemoryBus) deliver(log zerolog.Logger, sub *groupSub, ev Event, h Handler) {
	var lastErr error

	for attempt := 1; attempt <= b.policy.MaxDeliveries; attempt++ {
		start := time.Now()
		err := h(b.ctx, ev)
		if b.m != nil {
			b.m.HandlerDuration.WithLabelValues(sub.topic, sub.group).Observe(time.Since(start).Seconds())
		}
		if err == nil {
			return
		}
		lastErr = err

		if b.m != nil {
			b.m.BusRedelivered.WithLabelValues(sub.topic, sub.group).Inc()
		}
		log.Warn().Err(err).Str("event_id", ev.ID).Int("delivery", attempt).Msg("handler failed, will redeliver")

		if attempt == b.policy.MaxDeliveries {
			break
		}
		timer := time.NewTimer(b.policy.RetryDelay * time.Duration(attempt))
		select {
		case <-timer.C:
		case <-b.ctx.Done():
			timer.Stop()
			// Shutdown mid-retry: the event is lost to this process, which
			// at-least-once permits only for the memory driver.
			log.Warn().Str("event_id", ev.ID).Msg("dropping in-flight event on shutdown")
			return
		}
	}

	if b.m != nil {
		b.m.BusDeadLettered.WithLabelValues(sub.topic, sub.group).Inc()
	}
	dl := DeadLetter{
		Event:      ev,
		Group:      sub.group,
		Deliveries: b.policy.MaxDeliveries,
		LastError:  lastErr.Error(),
		FailedAt:   time.Now().UTC(),
	}
	if b.sink != nil {
		if err := b.sink.Record(context.Background(), dl); err != nil {
			log.Error().Err(err).Str("event_id", ev.ID).Msg("dead-letter sink write failed")
			return
		}
	}
	log.Error().Str("event_id", ev.ID).Str("last_error", dl.LastError).Msg("event dead-lettered")
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
