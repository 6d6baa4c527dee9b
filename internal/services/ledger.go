package services

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/platform/observability"
	"stock-reservation-service/internal/repositories"
)

// LedgerService owns the physical stock of each product. Adjustments on one
// product are serialized by the product lock; different products proceed in
// parallel.
type LedgerService struct {
	store    repositories.Store
	logger   *zap.Logger
	tracer   observability.Tracer
	retry    RetryPolicy
	notifier notifier
}

// NewLedgerService creates a new stock ledger
func NewLedgerService(deps Dependencies) *LedgerService {
	deps = deps.withDefaults()
	return &LedgerService{
		store:    deps.Store,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		retry:    deps.Retry,
		notifier: notifier{publisher: deps.Publisher, now: deps.Now},
	}
}

// Available returns the sellable stock of a product: physical units minus
// units held by active reservations.
func (s *LedgerService) Available(ctx context.Context, productID int64) (int, error) {
	level, err := s.Stock(ctx, productID)
	if err != nil {
		return 0, err
	}
	return level.Available, nil
}

// Stock returns the physical, held and available stock of a product.
func (s *LedgerService) Stock(ctx context.Context, productID int64) (*models.StockLevel, error) {
	var level models.StockLevel
	err := s.store.WithTx(ctx, func(tx repositories.Tx) error {
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		level, err = stockLevelTx(ctx, tx, product)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &level, nil
}

// Adjust applies delta to the physical stock of a product and returns the
// new quantity. It fails with models.ErrInsufficientStock when the result
// would fall below max(0, expectedMin). A decrement can never take stock
// below the units held by active reservations.
func (s *LedgerService) Adjust(ctx context.Context, productID int64, delta, expectedMin int) (int, error) {
	floor := func(int) int { return expectedMin }
	if delta < 0 {
		floor = func(held int) int { return max(expectedMin, held) }
	}
	return s.adjust(ctx, productID, delta, floor, StockReasonAdjustment)
}

// RecordMovement consumes quantity units for an internal stock movement
// (damage, samples, manual sales). Units held by shopper reservations cannot
// be consumed this way.
func (s *LedgerService) RecordMovement(ctx context.Context, productID int64, quantity int, reason string) (int, error) {
	if err := models.ValidateQuantity(quantity); err != nil {
		return 0, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return 0, fmt.Errorf("%w: movement reason is required", models.ErrInvalidInput)
	}
	return s.adjust(ctx, productID, -quantity, func(held int) int { return held }, reason)
}

// adjust runs the locked check-and-apply. floor receives the units currently
// held by reservations and returns the minimum allowed result.
func (s *LedgerService) adjust(ctx context.Context, productID int64, delta int, floor func(held int) int, reason string) (newQuantity int, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.adjust", trace.WithAttributes(
		attribute.Int64("product.id", productID),
		attribute.Int("stock.delta", delta),
		attribute.String("stock.reason", reason),
	))
	defer func() { observability.EndSpan(span, err) }()

	if delta == 0 {
		return 0, fmt.Errorf("%w: delta must not be zero", models.ErrInvalidQuantity)
	}

	var level models.StockLevel
	err = retryOnConflict(ctx, s.retry, s.logger, "ledger.adjust", func() error {
		return s.store.WithTx(ctx, func(tx repositories.Tx) error {
			product, err := tx.LockProduct(ctx, productID)
			if err != nil {
				return err
			}
			held, err := tx.HeldTotal(ctx, productID, 0)
			if err != nil {
				return err
			}
			if _, err := adjustTx(ctx, tx, product, delta, floor(held)); err != nil {
				return err
			}
			level = models.NewStockLevel(productID, product.QuantityInStock, held)
			return nil
		})
	})
	if err != nil {
		s.logger.Info("Stock adjustment rejected",
			zap.Int64("product_id", productID),
			zap.Int("delta", delta),
			zap.String("reason", models.RejectionReason(err)),
			zap.Error(err))
		return 0, err
	}

	s.logger.Info("Stock adjusted",
		zap.Int64("product_id", productID),
		zap.Int("delta", delta),
		zap.Int("stock_total", level.Total),
		zap.Int("stock_available", level.Available),
		zap.String("movement", reason))
	s.notifier.stockChanged(ctx, level, delta, reason)

	return level.Total, nil
}

// adjustTx applies delta to a product already locked in tx. The product is
// updated in place.
func adjustTx(ctx context.Context, tx repositories.Tx, product *models.Product, delta, floor int) (int, error) {
	if floor < 0 {
		floor = 0
	}
	newQuantity := product.QuantityInStock + delta
	if newQuantity < floor {
		available := product.QuantityInStock - floor
		if available < 0 {
			available = 0
		}
		return 0, &models.StockError{ProductID: product.ID, Requested: -delta, Available: available}
	}

	product.QuantityInStock = newQuantity
	if err := tx.SaveProduct(ctx, product); err != nil {
		return 0, fmt.Errorf("failed to save stock for product %d: %w", product.ID, err)
	}
	return newQuantity, nil
}
