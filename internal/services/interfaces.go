package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"stock-reservation-service/internal/config"
	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/notify"
	"stock-reservation-service/internal/platform/observability"
	"stock-reservation-service/internal/repositories"
)

// LedgerServiceInterface defines the interface for stock ledger operations
type LedgerServiceInterface interface {
	Available(ctx context.Context, productID int64) (int, error)
	Stock(ctx context.Context, productID int64) (*models.StockLevel, error)
	Adjust(ctx context.Context, productID int64, delta, expectedMin int) (int, error)
	RecordMovement(ctx context.Context, productID int64, quantity int, reason string) (int, error)
}

// ReservationServiceInterface defines the interface for cart reservation operations
type ReservationServiceInterface interface {
	AddOrIncrement(ctx context.Context, userID, productID int64, quantity int) (*models.CartEntry, error)
	SetQuantity(ctx context.Context, userID, productID int64, quantity int) (*models.CartEntry, error)
	Remove(ctx context.Context, userID, productID int64) error
	ClearAll(ctx context.Context, userID int64) (int, error)
	List(ctx context.Context, userID int64) ([]*models.CartEntry, error)
}

// SweeperInterface defines the interface for the expiration sweeper
type SweeperInterface interface {
	SweepOnce(ctx context.Context) (*SweepResult, error)
	Run(ctx context.Context) error
	Start(ctx context.Context) error
	Stop()
}

// ReconcilerInterface defines the interface for on-demand cart reconciliation
type ReconcilerInterface interface {
	VerifyExpiration(ctx context.Context, userID int64) ([]ReconcileResult, error)
}

// CheckoutServiceInterface defines the interface for converting a cart into an order
type CheckoutServiceInterface interface {
	Checkout(ctx context.Context, userID int64, country string) (*CheckoutResult, error)
}

// OrderPlacer is the order service that receives finalized detail lines. It
// is called inside the checkout transaction; an error rolls the checkout back.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, userID int64, lines []models.DetailLine) (*models.PlacedOrder, error)
}

// ShippingRates resolves the default shipping charge for a country.
type ShippingRates interface {
	RateFor(country string) decimal.Decimal
}

var _ ShippingRates = config.ShippingConfig{}

// RetryPolicy bounds how often a conflicting transaction is retried.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at 25ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

// Dependencies are shared by every service in this package. Zero values are
// replaced with no-op or default implementations.
type Dependencies struct {
	Store     repositories.Store
	Publisher notify.Publisher
	Logger    *zap.Logger
	Tracer    observability.Tracer
	Retry     RetryPolicy
	Now       func() time.Time
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, any) error { return nil }

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(config.ServiceName)
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	d.Publisher = notify.NewBestEffort(d.Publisher, d.Logger)
	if d.Retry == (RetryPolicy{}) {
		d.Retry = DefaultRetryPolicy()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}
