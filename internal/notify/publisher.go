package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher delivers a named event on a channel, e.g. "stock-updated" on
// "product-42".
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Envelope is the wire form of a published event.
type Envelope struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	Event       string    `json:"event"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

func newEnvelope(channel, event string, payload any) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		Channel:     channel,
		Event:       event,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
}

// BestEffort wraps a Publisher so that delivery failures are logged and
// swallowed. Reservation operations never fail because of a notification.
type BestEffort struct {
	next   Publisher
	logger *zap.Logger
}

func NewBestEffort(next Publisher, logger *zap.Logger) *BestEffort {
	return &BestEffort{next: next, logger: logger}
}

func (p *BestEffort) Publish(ctx context.Context, channel, event string, payload any) error {
	if err := p.next.Publish(ctx, channel, event, payload); err != nil {
		p.logger.Warn("Failed to publish notification",
			zap.String("channel", channel),
			zap.String("event", event),
			zap.Error(err))
	}
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, channel, event string, payload any) error {
	var err error
	for _, p := range m {
		err = errors.Join(err, p.Publish(ctx, channel, event, payload))
	}
	return err
}
