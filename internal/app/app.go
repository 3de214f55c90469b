package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"kumobridge/internal/config"
)

// App owns the service container and its lifecycle.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds the service container without starting anything.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// Start brings up every service. The context bounds their lifetime.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.services.Start(a.ctx); err != nil {
		return err
	}

	log.Info().Msg("KumoBridge started")
	return nil
}

// Stop shuts the services down in reverse dependency order.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down")

	if a.cancel != nil {
		a.cancel()
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait blocks until the application context is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// ClearSession discards cloud tokens, both the persisted row and the pair
// the session adopted from it at construction, forcing a full login on the
// next start. Useful after a password change with the --reset-session flag.
func (a *App) ClearSession() error {
	if a.services == nil {
		return nil
	}
	if a.services.Session != nil {
		a.services.Session.Clear()
	}
	if a.services.Store != nil {
		return a.services.Store.ClearSession()
	}
	return nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
