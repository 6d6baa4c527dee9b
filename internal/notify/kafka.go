package notify

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"stock-reservation-service/internal/platform/kafka"
)

// Header keys set on every Kafka message.
const (
	HeaderEvent   = "event"
	HeaderEventID = "event-id"
)

// KafkaPublisher writes events as JSON envelopes. The channel is the message
// key so that all events of one product land on the same partition in order.
type KafkaPublisher struct {
	producer kafka.Producer
}

func NewKafkaPublisher(producer kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	envelope := newEnvelope(channel, event, payload)

	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	msg := kafkago.Message{
		Key:   []byte(channel),
		Value: value,
		Headers: []kafkago.Header{
			{Key: HeaderEvent, Value: []byte(event)},
			{Key: HeaderEventID, Value: []byte(envelope.ID)},
		},
	}

	if err := p.producer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to write %s event to kafka: %w", event, err)
	}
	return nil
}
