package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// gatedPublisher records events and blocks each delivery until release is
// closed.
type gatedPublisher struct {
	started chan struct{}
	release chan struct{}
	err     error

	mu       sync.Mutex
	channels []string
	ctxErrs  []error
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (p *gatedPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	p.started <- struct{}{}
	<-p.release
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	return p.err
}

func (p *gatedPublisher) delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.channels...)
}

func TestDispatcher_DoesNotBlockCaller(t *testing.T) {
	next := newGatedPublisher()
	d := NewDispatcher(next, zap.NewNop(), 4)

	done := make(chan error, 1)
	go func() { done <- d.Publish(context.Background(), "product-1", "cart-updated", nil) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled publisher")
	}

	close(next.release)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"product-1"}, next.delivered())
}

func TestDispatcher_PreservesOrderAndDrainsOnClose(t *testing.T) {
	next := newGatedPublisher()
	close(next.release)
	d := NewDispatcher(next, zap.NewNop(), 16)

	for _, ch := range []string{"product-1", "product-2", "product-3"} {
		require.NoError(t, d.Publish(context.Background(), ch, "stock-updated", nil))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, []string{"product-1", "product-2", "product-3"}, next.delivered())
	assert.ErrorIs(t, d.Publish(context.Background(), "product-4", "stock-updated", nil), ErrDispatcherClosed)
}

func TestDispatcher_RejectsWhenFull(t *testing.T) {
	next := newGatedPublisher()
	d := NewDispatcher(next, zap.NewNop(), 1)
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, "product-1", "cart-updated", nil))
	<-next.started // worker holds the first event
	require.NoError(t, d.Publish(ctx, "product-2", "cart-updated", nil))

	assert.ErrorIs(t, d.Publish(ctx, "product-3", "cart-updated", nil), ErrQueueFull)

	close(next.release)
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, []string{"product-1", "product-2"}, next.delivered())
}

func TestDispatcher_CallerCancellationDoesNotDropEvent(t *testing.T) {
	next := newGatedPublisher()
	d := NewDispatcher(next, zap.NewNop(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Publish(ctx, "product-1", "stock-updated", nil))
	cancel()

	close(next.release)
	require.NoError(t, d.Close(context.Background()))
	require.Len(t, next.ctxErrs, 1)
	assert.NoError(t, next.ctxErrs[0])
}

func TestDispatcher_LogsDeliveryFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	next := newGatedPublisher()
	next.err = errors.New("broker down")
	close(next.release)
	d := NewDispatcher(next, zap.New(core), 4)

	require.NoError(t, d.Publish(context.Background(), "product-1", "stock-updated", nil))
	require.NoError(t, d.Close(context.Background()))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Failed to deliver notification", logs.All()[0].Message)
}

func TestDispatcher_CloseHonoursDeadline(t *testing.T) {
	next := newGatedPublisher()
	d := NewDispatcher(next, zap.NewNop(), 4)
	require.NoError(t, d.Publish(context.Background(), "product-1", "stock-updated", nil))
	<-next.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	close(next.release)
}
