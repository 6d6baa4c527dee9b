package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const DefaultQueueSize = 1024

var (
	ErrQueueFull        = errors.New("notification queue is full")
	ErrDispatcherClosed = errors.New("notification dispatcher is closed")
)

type dispatch struct {
	ctx     context.Context
	channel string
	event   string
	payload any
}

// Dispatcher hands events to a single background worker so a slow broker
// never blocks the caller. Events are delivered in the order they were
// accepted. When the queue is full the event is rejected with ErrQueueFull.
type Dispatcher struct {
	next   Publisher
	logger *zap.Logger
	queue  chan dispatch
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(next Publisher, logger *zap.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		next:   next,
		logger: logger,
		queue:  make(chan dispatch, queueSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish queues the event. The caller's trace context travels with it but
// its cancellation does not.
func (d *Dispatcher) Publish(ctx context.Context, channel, event string, payload any) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- dispatch{ctx: context.WithoutCancel(ctx), channel: channel, event: event, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		if err := d.next.Publish(msg.ctx, msg.channel, msg.event, msg.payload); err != nil {
			d.logger.Warn("Failed to deliver notification",
				zap.String("channel", msg.channel),
				zap.String("event", msg.event),
				zap.Error(err))
		}
	}
}

// Close stops accepting events and waits for the queued ones to be
// delivered, or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
