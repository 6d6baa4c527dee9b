package services

import (
	"context"
	"time"

	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/notify"
	"stock-reservation-service/internal/repositories"
)

// Reasons attached to stock-updated events.
const (
	StockReasonAdjustment     = "adjustment"
	StockReasonReservation    = "reservation"
	StockReasonRelease        = "release"
	StockReasonExpiration     = "expiration"
	StockReasonReconciliation = "reconciliation"
	StockReasonCheckout       = "checkout"
)

// notifier publishes after commit. The publisher is best-effort, so nothing
// here can fail the operation that triggered it.
type notifier struct {
	publisher notify.Publisher
	now       func() time.Time
}

func (n notifier) stockChanged(ctx context.Context, level models.StockLevel, delta int, reason string) {
	_ = n.publisher.Publish(ctx, models.ProductChannel(level.ProductID), models.EventStockUpdated, models.StockChangedEvent{
		ProductID:   level.ProductID,
		NewQuantity: level.Total,
		Delta:       delta,
		Held:        level.Held,
		Available:   level.Available,
		Reason:      reason,
		Timestamp:   n.now(),
	})
}

func (n notifier) cartChanged(ctx context.Context, userID, productID int64, action models.CartAction, quantity int) {
	_ = n.publisher.Publish(ctx, models.ProductChannel(productID), models.EventCartUpdated, models.CartChangedEvent{
		ProductID: productID,
		UserID:    userID,
		Action:    action,
		Quantity:  quantity,
		Timestamp: n.now(),
	})
}

// stockLevelTx reads the visible stock of a locked product inside tx.
func stockLevelTx(ctx context.Context, tx repositories.Tx, product *models.Product) (models.StockLevel, error) {
	held, err := tx.HeldTotal(ctx, product.ID, 0)
	if err != nil {
		return models.StockLevel{}, err
	}
	return models.NewStockLevel(product.ID, product.QuantityInStock, held), nil
}
