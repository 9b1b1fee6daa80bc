// Package bus defines the ordered, partitioned, at-least-once event substrate
// the pipeline runs on, with an in-process driver and a NATS JetStream driver.
package bus

import (
	"context"
	"time"
)

// Topic names used by the pipeline.
const (
	TopicPositions = "positions"
	TopicAlerts    = "alerts-triggered"
)

// Event is the unit of delivery. Events sharing a Key are handled by one
// consumer at a time, in publish order, within a consumer group.
type Event struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Key         string    `json:"key"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// Handler processes one event. A non-nil error means the event was not
// acknowledged and will be redelivered; nil acknowledges it.
type Handler func(ctx context.Context, ev Event) error

// Bus is the publish/subscribe contract. Subscribe must be called before the
// first Publish for a group to observe events (the memory driver does not
// replay; the JetStream driver does, via durable consumers).
type Bus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Subscribe(topic, group string, concurrency int, h Handler) error
	Close(ctx context.Context) error
}

// DeadLetter is an event that exhausted its redelivery budget.
type DeadLetter struct {
	Event      Event
	Group      string
	Deliveries int
	LastError  string
	FailedAt   time.Time
}

// DeadLetterSink receives events that exhausted redelivery, for operator
// inspection and replay.
type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter) error
}

// Policy bounds redelivery per (group, event) before dead-lettering.
type Policy struct {
	MaxDeliveries int
	RetryDelay    time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxDeliveries <= 0 {
		p.MaxDeliveries = 5
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = 200 * time.Millisecond
	}
	return p
}
