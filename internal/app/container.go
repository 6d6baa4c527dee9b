package app

import (
	"context"
	"fmt"
	"strings"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stock-reservation-service/internal/config"
	"stock-reservation-service/internal/database"
	"stock-reservation-service/internal/notify"
	"stock-reservation-service/internal/platform/kafka"
	"stock-reservation-service/internal/platform/observability"
	"stock-reservation-service/internal/repositories"
	"stock-reservation-service/internal/services"
)

// Container holds expensive-to-create singleton resources and the services
// built on top of them
type Container struct {
	config            *config.Config
	logger            *zap.Logger
	tracer            observability.Tracer
	db                *database.DB
	store             repositories.Store
	producer          kafka.Producer
	publisher         notify.Publisher
	dispatcher        *notify.Dispatcher
	otelLogShutdown   func(context.Context) error
	otelTraceShutdown func(context.Context) error

	ledger       *services.LedgerService
	reservations *services.ReservationService
	sweeper      *services.SweeperService
	reconciler   *services.ReconcilerService
	checkout     *services.CheckoutService
}

// NewContainer creates and initializes all infrastructure components
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{config: cfg}

	// Basic logger until the OTel log provider is ready
	c.logger = observability.NewLogger(cfg.Server.Env, false)

	tp := c.setupObservability(ctx)

	if err := c.setupStore(ctx); err != nil {
		c.Shutdown(ctx)
		return nil, err
	}

	if err := c.setupPublisher(tp); err != nil {
		c.Shutdown(ctx)
		return nil, err
	}

	c.setupServices()
	return c, nil
}

// setupObservability configures OpenTelemetry logging and tracing. Export
// failures are logged and the service keeps running without telemetry.
func (c *Container) setupObservability(ctx context.Context) trace.TracerProvider {
	otelLogShutdown, err := observability.SetupLoggingSDK(ctx, c.config.Otel)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry logging", zap.Error(err))
	}
	c.otelLogShutdown = otelLogShutdown

	tp, otelTraceShutdown, err := observability.SetupTracingSDK(ctx, c.config.Otel)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry tracing", zap.Error(err))
	}
	c.otelTraceShutdown = otelTraceShutdown

	if c.config.Otel.Enabled() {
		c.logger = observability.NewLogger(c.config.Server.Env, true)
		c.logger.Info("Logger re-initialized with OpenTelemetry bridge")
	}

	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c.tracer = tp.Tracer(config.ServiceName)
	return tp
}

func (c *Container) setupStore(ctx context.Context) error {
	switch strings.ToLower(c.config.Storage.Driver) {
	case "memory":
		c.store = repositories.NewMemoryStore(c.config.Reservation.LockTimeout)
		c.logger.Warn("Using in-memory storage, reservations will not survive a restart")
		return nil
	case "postgres", "":
		db, err := database.NewConnection(ctx, databaseConfig(c.config.Database), c.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		c.db = db
		c.store = repositories.NewPostgresStore(db.DB, c.config.Reservation.LockTimeout)
		return nil
	default:
		return fmt.Errorf("unknown storage driver %q", c.config.Storage.Driver)
	}
}

func databaseConfig(cfg config.DatabaseConfig) database.Config {
	return database.Config{
		URL:      cfg.URL,
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		DBName:   cfg.DBName,
		SSLMode:  cfg.SSLMode,
	}
}

// setupPublisher writes notifications to Kafka when brokers are configured
// and to the log otherwise.
func (c *Container) setupPublisher(tp trace.TracerProvider) error {
	if len(c.config.Kafka.Brokers) == 0 {
		c.logger.Info("No Kafka brokers configured, notifications go to the log")
		c.publisher = notify.NewLogPublisher(c.logger)
		return nil
	}

	baseWriter := &kafkago.Writer{
		Addr:         kafkago.TCP(c.config.Kafka.Brokers...),
		Topic:        c.config.Kafka.Topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: c.config.Kafka.BatchTimeout,
		BatchSize:    c.config.Kafka.BatchSize,
	}

	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(c.config.Kafka.Topic),
				attribute.String("messaging.kafka.client_id", config.ServiceName),
			},
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka writer: %w", err)
	}
	c.producer = writer

	// Kafka delivery runs off the caller's path; every event is also logged.
	c.dispatcher = notify.NewDispatcher(notify.Multi{
		notify.NewKafkaPublisher(writer),
		notify.NewLogPublisher(c.logger.Named("notify")),
	}, c.logger, c.config.Kafka.QueueSize)
	c.publisher = c.dispatcher

	c.logger.Info("Publishing notifications to Kafka",
		zap.Strings("brokers", c.config.Kafka.Brokers),
		zap.String("topic", c.config.Kafka.Topic))
	return nil
}

func (c *Container) setupServices() {
	retry := services.DefaultRetryPolicy()
	retry.MaxRetries = c.config.Reservation.MaxRetries

	deps := services.Dependencies{
		Store:     c.store,
		Publisher: c.publisher,
		Logger:    c.logger,
		Tracer:    c.tracer,
		Retry:     retry,
	}

	c.ledger = services.NewLedgerService(deps)
	c.reservations = services.NewReservationService(deps, c.config.Reservation.PurchaseLimit)
	c.sweeper = services.NewSweeperService(deps, c.config.Sweeper.Interval, c.config.Sweeper.InactivityThreshold)
	c.reconciler = services.NewReconcilerService(deps)
	c.checkout = services.NewCheckoutService(deps, services.NewLocalOrderPlacer(c.logger), c.config.Shipping)
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	if c.dispatcher != nil {
		if err := c.dispatcher.Close(ctx); err != nil {
			c.logger.Error("Failed to flush pending notifications", zap.Error(err))
		}
	}

	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			c.logger.Error("Failed to close message producer", zap.Error(err))
		}
	}

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Error("Failed to close store", zap.Error(err))
		}
	}

	if c.otelTraceShutdown != nil {
		if err := c.otelTraceShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OTel tracing", zap.Error(err))
		}
	}

	if c.otelLogShutdown != nil {
		if err := c.otelLogShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OTel logging", zap.Error(err))
		}
	}

	_ = c.logger.Sync()
}

// Getters for accessing infrastructure components and services
func (c *Container) Config() *config.Config                     { return c.config }
func (c *Container) Logger() *zap.Logger                        { return c.logger }
func (c *Container) DB() *database.DB                           { return c.db }
func (c *Container) Store() repositories.Store                  { return c.store }
func (c *Container) Publisher() notify.Publisher                { return c.publisher }
func (c *Container) Ledger() *services.LedgerService            { return c.ledger }
func (c *Container) Reservations() *services.ReservationService { return c.reservations }
func (c *Container) Sweeper() *services.SweeperService          { return c.sweeper }
func (c *Container) Reconciler() *services.ReconcilerService    { return c.reconciler }
func (c *Container) Checkout() *services.CheckoutService        { return c.checkout }
