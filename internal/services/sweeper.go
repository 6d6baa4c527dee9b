package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/platform/observability"
	"stock-reservation-service/internal/repositories"
)

// Sweeper defaults.
const (
	DefaultSweepInterval       = time.Minute
	DefaultInactivityThreshold = 3 * time.Minute
)

// SweepEvent records one entry expired by a sweep.
type SweepEvent struct {
	UserID        int64     `json:"user_id"`
	ProductID     int64     `json:"product_id"`
	Released      int       `json:"released"`
	LastTouchedAt time.Time `json:"last_touched_at"`
	ExpiredAt     time.Time `json:"expired_at"`
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Scanned    int          `json:"scanned"`
	Expired    int          `json:"expired"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Events     []SweepEvent `json:"events"`
}

// SweeperService expires cart entries that have been inactive for longer than
// the inactivity threshold. It never holds a lock across the batch: each
// entry is re-checked and expired in its own transaction.
type SweeperService struct {
	store     repositories.Store
	logger    *zap.Logger
	tracer    observability.Tracer
	retry     RetryPolicy
	notifier  notifier
	interval  time.Duration
	threshold time.Duration

	sweeping atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeperService creates a new expiration sweeper. Non-positive durations
// select the defaults.
func NewSweeperService(deps Dependencies, interval, threshold time.Duration) *SweeperService {
	deps = deps.withDefaults()
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultInactivityThreshold
	}
	return &SweeperService{
		store:     deps.Store,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
		retry:     deps.Retry,
		notifier:  notifier{publisher: deps.Publisher, now: deps.Now},
		interval:  interval,
		threshold: threshold,
	}
}

// SweepOnce runs a single sweep. It fails with models.ErrSweepInProgress if
// another sweep is running. Errors on individual entries are logged and
// counted in the result; only a failure to list candidates is returned.
func (s *SweeperService) SweepOnce(ctx context.Context) (result *SweepResult, err error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return nil, models.ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	ctx, span := s.tracer.Start(ctx, "sweeper.sweep")
	defer func() { observability.EndSpan(span, err) }()

	now := s.notifier.now()
	result = &SweepResult{RunID: uuid.NewString(), StartedAt: now}
	logger := s.logger.With(zap.String("run_id", result.RunID))

	candidates, err := s.store.ListStaleEntries(ctx, now.Add(-s.threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale entries: %w", err)
	}
	result.Scanned = len(candidates)

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			logger.Warn("Sweep interrupted", zap.Int("remaining", result.Scanned-result.Expired-result.Skipped-result.Failed))
			break
		}

		event, err := s.expireEntry(ctx, candidate, now)
		switch {
		case err != nil:
			result.Failed++
			logger.Error("Failed to expire cart entry",
				zap.Int64("user_id", candidate.UserID),
				zap.Int64("product_id", candidate.ProductID),
				zap.Error(err))
		case event == nil:
			result.Skipped++
		default:
			result.Expired++
			result.Events = append(result.Events, *event)
		}
	}

	result.FinishedAt = s.notifier.now()
	span.SetAttributes(
		attribute.Int("sweep.scanned", result.Scanned),
		attribute.Int("sweep.expired", result.Expired),
		attribute.Int("sweep.failed", result.Failed),
	)
	if result.Scanned > 0 {
		logger.Info("Sweep completed",
			zap.Int("scanned", result.Scanned),
			zap.Int("expired", result.Expired),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// expireEntry re-reads the entry under its product lock and expires it if it
// is still active and stale. A nil event means the entry was skipped.
func (s *SweeperService) expireEntry(ctx context.Context, candidate *models.CartEntry, now time.Time) (*SweepEvent, error) {
	var (
		event    *SweepEvent
		level    models.StockLevel
		hasLevel bool
	)
	err := retryOnConflict(ctx, s.retry, s.logger, "sweep", func() error {
		event, hasLevel = nil, false
		return s.store.WithTx(ctx, func(tx repositories.Tx) error {
			product, err := tx.LockProduct(ctx, candidate.ProductID)
			if err != nil && !errors.Is(err, models.ErrProductNotFound) {
				return err
			}

			entry, err := tx.GetEntry(ctx, candidate.UserID, candidate.ProductID)
			if errors.Is(err, models.ErrCartEntryNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !entry.IsStale(now, s.threshold) {
				return nil
			}

			released := entry.QuantityReserved
			entry.Expire()
			if err := tx.UpsertEntry(ctx, entry); err != nil {
				return err
			}
			event = &SweepEvent{
				UserID:        entry.UserID,
				ProductID:     entry.ProductID,
				Released:      released,
				LastTouchedAt: entry.LastTouchedAt,
				ExpiredAt:     now,
			}

			if product != nil {
				level, err = stockLevelTx(ctx, tx, product)
				hasLevel = err == nil
				return err
			}
			return nil
		})
	})
	if err != nil || event == nil {
		return nil, err
	}

	s.notifier.cartChanged(ctx, event.UserID, event.ProductID, models.CartExpired, 0)
	if hasLevel {
		s.notifier.stockChanged(ctx, level, 0, StockReasonExpiration)
	}
	return event, nil
}

// Run sweeps on every tick until ctx is cancelled. A tick that fires while a
// sweep is still running is skipped.
func (s *SweeperService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Expiration sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("inactivity_threshold", s.threshold))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiration sweeper stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *SweeperService) tick(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil {
		if errors.Is(err, models.ErrSweepInProgress) {
			s.logger.Debug("Previous sweep still running, skipping tick")
			return
		}
		s.logger.Error("Sweep failed", zap.Error(err))
	}
}

// Start runs the sweeper in a background goroutine until Stop is called or
// ctx is cancelled.
func (s *SweeperService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("sweeper already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		_ = s.Run(runCtx)
	}()
	return nil
}

// Stop cancels a started sweeper and waits for an in-flight sweep to finish.
func (s *SweeperService) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
