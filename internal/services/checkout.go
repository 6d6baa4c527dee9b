package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/platform/observability"
	"stock-reservation-service/internal/repositories"
)

// CheckoutResult is the committed order with the stock left behind.
type CheckoutResult struct {
	Order *models.PlacedOrder `json:"order"`
	Lines []models.DetailLine `json:"lines"`
	Stock []models.StockLevel `json:"stock"`
}

// CheckoutService turns a user's active reservations into an order. Physical
// stock is consumed, entries are deleted and the order is placed in one
// transaction.
type CheckoutService struct {
	store    repositories.Store
	orders   OrderPlacer
	shipping ShippingRates
	logger   *zap.Logger
	tracer   observability.Tracer
	retry    RetryPolicy
	notifier notifier
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(deps Dependencies, orders OrderPlacer, shipping ShippingRates) *CheckoutService {
	deps = deps.withDefaults()
	return &CheckoutService{
		store:    deps.Store,
		orders:   orders,
		shipping: shipping,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		retry:    deps.Retry,
		notifier: notifier{publisher: deps.Publisher, now: deps.Now},
	}
}

// Checkout consumes the reserved units of every active entry of a user and
// hands the priced detail lines to the order service. Lines without an
// explicit shipping charge get the default rate for country.
func (s *CheckoutService) Checkout(ctx context.Context, userID int64, country string) (result *CheckoutResult, err error) {
	ctx, span := s.tracer.Start(ctx, "checkout", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("checkout.country", country),
	))
	defer func() { observability.EndSpan(span, err) }()

	lookup := func() decimal.Decimal { return s.shipping.RateFor(country) }

	err = retryOnConflict(ctx, s.retry, s.logger, "checkout", func() error {
		result = nil
		return s.store.WithTx(ctx, func(tx repositories.Tx) error {
			entries, err := tx.ListEntriesByUser(ctx, userID)
			if err != nil {
				return err
			}

			active := make([]*models.CartEntry, 0, len(entries))
			for _, e := range entries {
				if e.IsActive() {
					active = append(active, e)
				}
			}
			if len(active) == 0 {
				return models.ErrEmptyCart
			}

			products := make(map[int64]*models.Product, len(active))
			for _, id := range distinctProductIDs(active) {
				product, err := tx.LockProduct(ctx, id)
				if err != nil {
					return err
				}
				products[id] = product
			}

			lines := make([]models.DetailLine, 0, len(active))
			stock := make([]models.StockLevel, 0, len(active))
			for _, id := range distinctProductIDs(active) {
				product := products[id]

				entry, err := tx.GetEntry(ctx, userID, id)
				if err != nil {
					return err
				}
				if !entry.IsActive() {
					continue
				}

				heldByOthers, err := tx.HeldTotal(ctx, id, userID)
				if err != nil {
					return err
				}
				quantity := entry.QuantityReserved
				if _, err := adjustTx(ctx, tx, product, -quantity, heldByOthers); err != nil {
					return err
				}
				if err := tx.DeleteEntry(ctx, userID, id); err != nil {
					return err
				}

				line := models.NewDetailLine(product, quantity)
				line.ResolveShipping(lookup)
				lines = append(lines, line)
				stock = append(stock, models.NewStockLevel(id, product.QuantityInStock, heldByOthers))
			}
			if len(lines) == 0 {
				return models.ErrEmptyCart
			}

			order, err := s.orders.PlaceOrder(ctx, userID, lines)
			if err != nil {
				return fmt.Errorf("failed to place order: %w", err)
			}
			result = &CheckoutResult{Order: order, Lines: lines, Stock: stock}
			return nil
		})
	})
	if err != nil {
		s.logger.Info("Checkout rejected",
			zap.Int64("user_id", userID),
			zap.String("reason", models.RejectionReason(err)),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Checkout completed",
		zap.Int64("user_id", userID),
		zap.String("order_id", result.Order.OrderID),
		zap.Int("lines", len(result.Lines)),
		zap.String("total", result.Order.Total.StringFixed(2)))

	for i, line := range result.Lines {
		s.notifier.cartChanged(ctx, userID, line.ProductID, models.CartCheckedOut, line.Quantity)
		s.notifier.stockChanged(ctx, result.Stock[i], -line.Quantity, StockReasonCheckout)
	}
	return result, nil
}

// LocalOrderPlacer assigns order ids in process. It stands in for the order
// service when none is configured.
type LocalOrderPlacer struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewLocalOrderPlacer(logger *zap.Logger) *LocalOrderPlacer {
	return &LocalOrderPlacer{logger: logger, now: time.Now}
}

func (p *LocalOrderPlacer) PlaceOrder(ctx context.Context, userID int64, lines []models.DetailLine) (*models.PlacedOrder, error) {
	if len(lines) == 0 {
		return nil, models.ErrEmptyCart
	}
	order := &models.PlacedOrder{
		OrderID:   uuid.NewString(),
		UserID:    userID,
		Lines:     lines,
		Total:     models.LinesTotal(lines),
		CreatedAt: p.now(),
	}
	p.logger.Info("Order placed",
		zap.String("order_id", order.OrderID),
		zap.Int64("user_id", userID),
		zap.String("total", order.Total.StringFixed(2)))
	return order, nil
}
