package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/marketplace/checkout/internal/orders"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// EventPublisher routes lifecycle envelopes to their topic, keyed by listing.
type EventPublisher struct {
	p *Producer
}

func NewEventPublisher(p *Producer) *EventPublisher {
	return &EventPublisher{p: p}
}

func (e *EventPublisher) Publish(ctx context.Context, env orders.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.p.Publish(ctx, kafka.Message{
		Topic: orders.TopicFor(env.EventType),
		Key:   orders.PartitionKey(env.ListingID),
		Value: b,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(env.EventType)},
			{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
		},
	})
}
