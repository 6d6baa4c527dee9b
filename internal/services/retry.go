package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"stock-reservation-service/internal/models"
)

// retryOnConflict runs fn again, with exponential backoff, while it fails
// with models.ErrConcurrencyConflict. Other errors are returned at once.
func retryOnConflict(ctx context.Context, policy RetryPolicy, logger *zap.Logger, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	retries := policy.MaxRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil || errors.Is(err, models.ErrConcurrencyConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		logger.Debug("Retrying after concurrency conflict",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	return backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx),
		notify)
}
