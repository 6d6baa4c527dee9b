package services

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/platform/observability"
	"stock-reservation-service/internal/repositories"
)

// Reconciliation reasons.
const (
	ReasonProductMissing   = "product missing"
	ReasonOutOfStock       = "out of stock"
	ReasonAdjustedForStock = "adjusted for stock"
)

// ReconcileResult describes one entry changed by reconciliation.
type ReconcileResult struct {
	Entry  *models.CartEntry `json:"entry"`
	Reason string            `json:"reason"`
	Before int               `json:"before"`
	After  int               `json:"after"`
}

// ReconcilerService corrects a user's cart against the current catalog. It
// only ever lowers quantities or expires entries.
type ReconcilerService struct {
	store    repositories.Store
	logger   *zap.Logger
	tracer   observability.Tracer
	retry    RetryPolicy
	notifier notifier
}

// NewReconcilerService creates a new cart reconciler
func NewReconcilerService(deps Dependencies) *ReconcilerService {
	deps = deps.withDefaults()
	return &ReconcilerService{
		store:    deps.Store,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		retry:    deps.Retry,
		notifier: notifier{publisher: deps.Publisher, now: deps.Now},
	}
}

// VerifyExpiration checks every active entry of a user against the stock of
// its product and returns the entries that were changed. An entry whose
// product is gone or has no capacity left is expired; one that asks for more
// than the remaining capacity is clamped. Capacity is the physical stock
// minus what other users hold. Failures on one entry are logged and skipped.
func (s *ReconcilerService) VerifyExpiration(ctx context.Context, userID int64) (results []ReconcileResult, err error) {
	ctx, span := s.tracer.Start(ctx, "reconciler.verify_expiration", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer func() { observability.EndSpan(span, err) }()

	entries, err := s.store.ListEntriesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cart: %w", err)
	}

	for _, e := range entries {
		if !e.IsActive() {
			continue
		}
		result, err := s.reconcileEntry(ctx, userID, e.ProductID)
		if err != nil {
			s.logger.Error("Failed to reconcile cart entry",
				zap.Int64("user_id", userID),
				zap.Int64("product_id", e.ProductID),
				zap.Error(err))
			continue
		}
		if result != nil {
			results = append(results, *result)
		}
	}

	span.SetAttributes(attribute.Int("reconcile.changed", len(results)))
	return results, nil
}

func (s *ReconcilerService) reconcileEntry(ctx context.Context, userID, productID int64) (*ReconcileResult, error) {
	var (
		result   *ReconcileResult
		level    models.StockLevel
		hasLevel bool
	)
	err := retryOnConflict(ctx, s.retry, s.logger, "reconcile", func() error {
		result, hasLevel = nil, false
		return s.store.WithTx(ctx, func(tx repositories.Tx) error {
			product, err := tx.LockProduct(ctx, productID)
			if err != nil && !errors.Is(err, models.ErrProductNotFound) {
				return err
			}

			entry, err := tx.GetEntry(ctx, userID, productID)
			if errors.Is(err, models.ErrCartEntryNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !entry.IsActive() {
				return nil
			}

			before := entry.QuantityRequested
			if product == nil {
				entry.Expire()
				result = &ReconcileResult{Entry: entry, Reason: ReasonProductMissing, Before: before, After: 0}
				return tx.UpsertEntry(ctx, entry)
			}

			heldByOthers, err := tx.HeldTotal(ctx, productID, userID)
			if err != nil {
				return err
			}
			capacity := product.QuantityInStock - heldByOthers
			if entry.QuantityRequested <= capacity {
				return nil
			}

			if capacity <= 0 {
				entry.Expire()
				result = &ReconcileResult{Entry: entry, Reason: ReasonOutOfStock, Before: before, After: 0}
			} else {
				entry.SetQuantity(capacity)
				result = &ReconcileResult{Entry: entry, Reason: ReasonAdjustedForStock, Before: before, After: capacity}
			}
			if err := tx.UpsertEntry(ctx, entry); err != nil {
				return err
			}

			level, err = stockLevelTx(ctx, tx, product)
			hasLevel = err == nil
			return err
		})
	})
	if err != nil || result == nil {
		return nil, err
	}

	s.logger.Info("Cart entry reconciled",
		zap.Int64("user_id", userID),
		zap.Int64("product_id", productID),
		zap.String("reason", result.Reason),
		zap.Int("before", result.Before),
		zap.Int("after", result.After))

	action := models.CartAdjusted
	if !result.Entry.IsActive() {
		action = models.CartExpired
	}
	s.notifier.cartChanged(ctx, userID, productID, action, result.After)
	if hasLevel {
		s.notifier.stockChanged(ctx, level, 0, StockReasonReconciliation)
	}
	return result, nil
}
