package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stock-reservation-service/internal/config"
)

const shutdownTimeout = 20 * time.Second

// Application holds all the components and manages the application lifecycle
type Application struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *Container
}

// NewApplication loads configuration and builds the container. The returned
// application stops on SIGINT or SIGTERM.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)

	container, err := NewContainer(appCtx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}

	app := &Application{ctx: appCtx, cancel: cancel, container: container}
	app.container.Logger().Info("Application initialized successfully",
		zap.String("env", cfg.Server.Env),
		zap.String("storage", cfg.Storage.Driver))
	return app, nil
}

// Container exposes the wired components.
func (app *Application) Container() *Container {
	return app.container
}

// Run runs the expiration sweeper until a shutdown signal arrives.
func (app *Application) Run() error {
	errGrp, ctx := errgroup.WithContext(app.ctx)

	errGrp.Go(func() error {
		return app.container.Sweeper().Run(ctx)
	})

	errGrp.Go(func() error {
		<-ctx.Done()
		app.container.Logger().Info("Shutdown signal received, waiting for in-flight work")
		return nil
	})

	return errGrp.Wait()
}

// Shutdown gracefully shuts down all application components
func (app *Application) Shutdown() {
	if app.container != nil {
		app.container.Logger().Info("Starting application shutdown...")
	}

	if app.cancel != nil {
		app.cancel()
	}

	if app.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.container.Shutdown(ctx)
	}
}
