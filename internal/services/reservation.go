package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/platform/observability"
	"stock-reservation-service/internal/repositories"
)

// ReservationService manages cart entries. Reservations are logical holds:
// they reduce the sellable stock of a product without touching its physical
// quantity. Every mutation locks the product row, validates, writes the
// entry and commits before any notification is sent.
type ReservationService struct {
	store         repositories.Store
	logger        *zap.Logger
	tracer        observability.Tracer
	retry         RetryPolicy
	notifier      notifier
	purchaseLimit int
}

// NewReservationService creates a new reservation service. A non-positive
// purchaseLimit selects models.DefaultPurchaseLimit.
func NewReservationService(deps Dependencies, purchaseLimit int) *ReservationService {
	deps = deps.withDefaults()
	if purchaseLimit <= 0 {
		purchaseLimit = models.DefaultPurchaseLimit
	}
	return &ReservationService{
		store:         deps.Store,
		logger:        deps.Logger,
		tracer:        deps.Tracer,
		retry:         deps.Retry,
		notifier:      notifier{publisher: deps.Publisher, now: deps.Now},
		purchaseLimit: purchaseLimit,
	}
}

func (s *ReservationService) startSpan(ctx context.Context, name string, userID, productID int64) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64("product.id", productID),
	))
}

func (s *ReservationService) rejected(op string, userID, productID int64, err error) {
	s.logger.Info("Cart operation rejected",
		zap.String("operation", op),
		zap.Int64("user_id", userID),
		zap.Int64("product_id", productID),
		zap.String("reason", models.RejectionReason(err)),
		zap.Error(err))
}

// AddOrIncrement reserves quantity more units of a product for a user. An
// active entry is incremented; a missing or expired entry is replaced by a
// new active one.
func (s *ReservationService) AddOrIncrement(ctx context.Context, userID, productID int64, quantity int) (entry *models.CartEntry, err error) {
	ctx, span := s.startSpan(ctx, "reservation.add_or_increment", userID, productID)
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.Int("cart.quantity", quantity))

	if err := models.ValidateQuantity(quantity); err != nil {
		s.rejected("add_or_increment", userID, productID, err)
		return nil, err
	}

	var (
		action models.CartAction
		level  models.StockLevel
	)
	err = retryOnConflict(ctx, s.retry, s.logger, "add_or_increment", func() error {
		return s.store.WithTx(ctx, func(tx repositories.Tx) error {
			product, err := tx.LockProduct(ctx, productID)
			if err != nil {
				return err
			}
			held, err := tx.HeldTotal(ctx, productID, 0)
			if err != nil {
				return err
			}
			available := product.QuantityInStock - held

			current, err := tx.GetEntry(ctx, userID, productID)
			if err != nil && !errors.Is(err, models.ErrCartEntryNotFound) {
				return err
			}

			now := s.notifier.now()
			var next *models.CartEntry
			if current != nil && current.IsActive() {
				requested := current.QuantityRequested + quantity
				if requested > current.PurchaseLimit {
					return &models.LimitError{ProductID: productID, Quantity: requested, Limit: current.PurchaseLimit}
				}
				if available < quantity {
					return &models.StockError{ProductID: productID, Requested: quantity, Available: max(available, 0)}
				}
				next = current.Clone()
				next.SetQuantity(requested)
				next.Touch(now)
				action = models.CartUpdated
			} else {
				if quantity > s.purchaseLimit {
					return &models.LimitError{ProductID: productID, Quantity: quantity, Limit: s.purchaseLimit}
				}
				if available < quantity {
					return &models.StockError{ProductID: productID, Requested: quantity, Available: max(available, 0)}
				}
				next = models.NewCartEntry(userID, productID, quantity, s.purchaseLimit, now)
				action = models.CartAdded
			}

			if err := tx.UpsertEntry(ctx, next); err != nil {
				return err
			}
			entry = next
			level = models.NewStockLevel(productID, product.QuantityInStock, held+quantity)
			return nil
		})
	})
	if err != nil {
		s.rejected("add_or_increment", userID, productID, err)
		return nil, err
	}

	s.logger.Info("Stock reserved",
		zap.Int64("user_id", userID),
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Int("cart_quantity", entry.QuantityRequested),
		zap.Int("stock_available", level.Available))

	s.notifier.cartChanged(ctx, userID, productID, action, entry.QuantityRequested)
	s.notifier.stockChanged(ctx, level, 0, StockReasonReservation)
	return entry, nil
}

// SetQuantity changes the quantity of an active entry. Only an increase is
// checked against sellable stock, and only for the difference.
func (s *ReservationService) SetQuantity(ctx context.Context, userID, productID int64, quantity int) (entry *models.CartEntry, err error) {
	ctx, span := s.startSpan(ctx, "reservation.set_quantity", userID, productID)
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.Int("cart.quantity", quantity))

	if err := models.ValidateQuantity(quantity); err != nil {
		s.rejected("set_quantity", userID, productID, err)
		return nil, err
	}

	var (
		delta int
		level models.StockLevel
	)
	err = retryOnConflict(ctx, s.retry, s.logger, "set_quantity", func() error {
		return s.store.WithTx(ctx, func(tx repositories.Tx) error {
			product, err := tx.LockProduct(ctx, productID)
			if err != nil {
				return err
			}

			current, err := tx.GetEntry(ctx, userID, productID)
			if err != nil {
				return err
			}
			if !current.IsActive() {
				return fmt.Errorf("%w: entry for product %d has expired", models.ErrCartEntryNotFound, productID)
			}
			if quantity > current.PurchaseLimit {
				return &models.LimitError{ProductID: productID, Quantity: quantity, Limit: current.PurchaseLimit}
			}

			held, err := tx.HeldTotal(ctx, productID, 0)
			if err != nil {
				return err
			}
			delta = quantity - current.QuantityReserved
			if available := product.QuantityInStock - held; delta > 0 && available < delta {
				return &models.StockError{ProductID: productID, Requested: delta, Available: max(available, 0)}
			}

			next := current.Clone()
			next.SetQuantity(quantity)
			next.Touch(s.notifier.now())
			if err := tx.UpsertEntry(ctx, next); err != nil {
				return err
			}
			entry = next
			level = models.NewStockLevel(productID, product.QuantityInStock, held+delta)
			return nil
		})
	})
	if err != nil {
		s.rejected("set_quantity", userID, productID, err)
		return nil, err
	}

	s.logger.Info("Cart quantity updated",
		zap.Int64("user_id", userID),
		zap.Int64("product_id", productID),
		zap.Int("cart_quantity", quantity),
		zap.Int("delta", delta))

	s.notifier.cartChanged(ctx, userID, productID, models.CartUpdated, quantity)
	if delta != 0 {
		s.notifier.stockChanged(ctx, level, 0, StockReasonReservation)
	}
	return entry, nil
}

// Remove deletes the entry for (userID, productID). A missing entry fails
// with models.ErrCartEntryNotFound and changes nothing.
func (s *ReservationService) Remove(ctx context.Context, userID, productID int64) (err error) {
	ctx, span := s.startSpan(ctx, "reservation.remove", userID, productID)
	defer func() { observability.EndSpan(span, err) }()

	var (
		level    models.StockLevel
		hasLevel bool
	)
	err = retryOnConflict(ctx, s.retry, s.logger, "remove", func() error {
		hasLevel = false
		return s.store.WithTx(ctx, func(tx repositories.Tx) error {
			product, err := tx.LockProduct(ctx, productID)
			if err != nil && !errors.Is(err, models.ErrProductNotFound) {
				return err
			}
			if err := tx.DeleteEntry(ctx, userID, productID); err != nil {
				return err
			}
			if product == nil {
				return nil
			}
			level, err = stockLevelTx(ctx, tx, product)
			hasLevel = err == nil
			return err
		})
	})
	if err != nil {
		s.rejected("remove", userID, productID, err)
		return err
	}

	s.logger.Info("Cart entry removed", zap.Int64("user_id", userID), zap.Int64("product_id", productID))

	s.notifier.cartChanged(ctx, userID, productID, models.CartRemoved, 0)
	if hasLevel {
		s.notifier.stockChanged(ctx, level, 0, StockReasonRelease)
	}
	return nil
}

// ClearAll removes every entry of a user in one transaction and returns how
// many were removed. Each product is locked once, in ascending id order.
// Entries whose product has left the catalog are still removed.
func (s *ReservationService) ClearAll(ctx context.Context, userID int64) (removed int, err error) {
	ctx, span := s.tracer.Start(ctx, "reservation.clear_all", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer func() { observability.EndSpan(span, err) }()

	var (
		productIDs []int64
		levels     []models.StockLevel
	)
	err = retryOnConflict(ctx, s.retry, s.logger, "clear_all", func() error {
		removed, productIDs, levels = 0, nil, nil
		return s.store.WithTx(ctx, func(tx repositories.Tx) error {
			entries, err := tx.ListEntriesByUser(ctx, userID)
			if err != nil {
				return err
			}

			locked := make(map[int64]*models.Product)
			missing := make(map[int64]bool)
			var lastLocked int64
			lock := func(id int64) error {
				if _, ok := locked[id]; ok || missing[id] {
					return nil
				}
				lastLocked = id
				product, err := tx.LockProduct(ctx, id)
				if errors.Is(err, models.ErrProductNotFound) {
					s.logger.Warn("Product missing while clearing cart, removing its entries anyway",
						zap.Int64("user_id", userID),
						zap.Int64("product_id", id))
					missing[id] = true
					return nil
				}
				if err != nil {
					return err
				}
				locked[id] = product
				return nil
			}

			for _, id := range distinctProductIDs(entries) {
				if err := lock(id); err != nil {
					return err
				}
			}

			// Re-read under the locks; entries may have changed since the first read.
			entries, err = tx.ListEntriesByUser(ctx, userID)
			if err != nil {
				return err
			}
			// A product added since the first read can only be locked here if
			// it sorts after everything already locked; otherwise start over.
			for _, id := range distinctProductIDs(entries) {
				if _, ok := locked[id]; ok || missing[id] {
					continue
				}
				if id < lastLocked {
					return fmt.Errorf("%w: cart of user %d changed while clearing", models.ErrConcurrencyConflict, userID)
				}
				if err := lock(id); err != nil {
					return err
				}
			}
			for _, e := range entries {
				if err := tx.DeleteEntry(ctx, userID, e.ProductID); err != nil {
					return err
				}
				removed++
			}

			productIDs = distinctProductIDs(entries)
			for _, id := range productIDs {
				product, ok := locked[id]
				if !ok {
					continue
				}
				level, err := stockLevelTx(ctx, tx, product)
				if err != nil {
					return err
				}
				levels = append(levels, level)
			}
			return nil
		})
	})
	if err != nil {
		s.logger.Error("Failed to clear cart", zap.Int64("user_id", userID), zap.Error(err))
		return 0, err
	}

	if removed > 0 {
		s.logger.Info("Cart cleared", zap.Int64("user_id", userID), zap.Int("entries", removed))
	}
	for _, id := range productIDs {
		s.notifier.cartChanged(ctx, userID, id, models.CartCleared, 0)
	}
	for _, level := range levels {
		s.notifier.stockChanged(ctx, level, 0, StockReasonRelease)
	}
	return removed, nil
}

// List returns every entry of a user, active and expired.
func (s *ReservationService) List(ctx context.Context, userID int64) ([]*models.CartEntry, error) {
	entries, err := s.store.ListEntriesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cart: %w", err)
	}
	return entries, nil
}

// distinctProductIDs returns the product ids of entries in ascending order.
func distinctProductIDs(entries []*models.CartEntry) []int64 {
	seen := make(map[int64]bool, len(entries))
	var ids []int64
	for _, e := range entries {
		if !seen[e.ProductID] {
			seen[e.ProductID] = true
			ids = append(ids, e.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
