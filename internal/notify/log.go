package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	p.logger.Info("Notification",
		zap.String("channel", channel),
		zap.String("event", event),
		zap.Any("payload", payload))
	return nil
}
