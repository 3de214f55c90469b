package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"kumobridge/internal/bus"
	"kumobridge/internal/config"
	"kumobridge/internal/directory"
	"kumobridge/internal/entity"
	"kumobridge/internal/kumo"
	"kumobridge/internal/reconcile"
	"kumobridge/internal/store"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	Store *store.Store
	Bus   *bus.Bus

	// Cloud access
	Session *kumo.Session
	Client  *kumo.Client

	// High-level services
	Reconciler *reconcile.Reconciler
	Directory  *directory.Directory
	Entity     *entity.Service
	Health     *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.Store = st

	// Initialize event bus
	s.Bus = bus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Initialize cloud session and client
	s.Session = kumo.NewSession(kumo.SessionConfig{
		BaseURL:    cfg.Cloud.BaseURL,
		AppVersion: cfg.Cloud.AppVersion,
		Timeout:    cfg.Cloud.Timeout.Duration(),
		Margin:     cfg.Cloud.TokenMargin.Duration(),
	}, kumo.Credentials{
		Username: cfg.Cloud.Username,
		Password: cfg.Cloud.Password,
	}, st)

	s.Client = kumo.NewClient(kumo.ClientConfig{
		BaseURL:      cfg.Cloud.BaseURL,
		AppVersion:   cfg.Cloud.AppVersion,
		Timeout:      cfg.Cloud.Timeout.Duration(),
		RateLimitRPS: cfg.Cloud.RateLimit,
	}, s.Session)

	// Initialize reconciler
	s.Reconciler = reconcile.New(s.Client, st, s.Bus, reconcile.Config{
		PollInterval: cfg.Reconciler.PollInterval.Duration(),
		MaxAttempts:  cfg.Reconciler.MaxAttempts,
		BackoffBase:  cfg.Reconciler.BackoffBase.Duration(),
		BackoffMax:   cfg.Reconciler.BackoffMax.Duration(),
	})

	// Initialize directory
	s.Directory = directory.New(s.Client, s.Reconciler, cfg.Directory.RefreshInterval.Duration())

	// Initialize health service
	s.Health = NewHealthService(cfg, s.Reconciler)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	// A stored token may have expired while the bridge was down; probe the
	// account and fall back to a full login before anything else talks to
	// the cloud.
	if err := s.Client.Probe(ctx); err != nil {
		log.Warn().Err(err).Msg("Stored session probe failed, performing full login")
		if err := s.Session.Authenticate(ctx); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	// Reconciler must run before devices are tracked.
	s.Reconciler.Start(ctx)

	// First directory refresh is synchronous so the entity surface
	// announces a complete device set on connect.
	if err := s.Directory.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial directory refresh failed, retrying on interval")
	}
	s.Directory.Start(ctx)

	// Entity surface connects last, once devices are known.
	ent, err := entity.New(entity.Config{
		Broker: entity.BrokerConfig{
			Host:     s.cfg.MQTT.Host,
			Port:     s.cfg.MQTT.Port,
			TLS:      s.cfg.MQTT.TLS,
			Username: s.cfg.MQTT.Username,
			Password: s.cfg.MQTT.Password,
			ClientID: s.cfg.MQTT.ClientID,
		},
		TopicPrefix:     s.cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: s.cfg.MQTT.DiscoveryPrefix,
		DisplayUnit:     s.cfg.Unit(),
	}, s.Reconciler, s.Bus)
	if err != nil {
		return err
	}
	s.Entity = ent

	s.Health.Start(ctx)

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Entity != nil {
		s.Entity.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}
