package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/bus"
	"github.com/mcdev12/screensync/go/internal/screens/registry"
	"github.com/mcdev12/screensync/go/internal/screens/syncengine"
)

// Service ties screen connections, the device registry and the sync engine together
type Service struct {
	registry          *registry.Registry
	engine            *syncengine.Engine
	router            *Router
	connectionManager *ConnectionManager
	apiHandler        *APIHandler

	// optional; nil when the event bus is disabled
	forwarder *bus.Forwarder
	consumer  *bus.CommandConsumer
}

type Config struct {
	ConnectionConfig  ConnectionConfig
	DriftThresholdSec float64
}

func DefaultConfig() Config {
	return Config{
		ConnectionConfig:  DefaultConnectionConfig(),
		DriftThresholdSec: 0.5,
	}
}

type ServiceOption func(*Service)

// WithEventForwarder publishes engine and device lifecycle events through f
func WithEventForwarder(f *bus.Forwarder) ServiceOption {
	return func(s *Service) { s.forwarder = f }
}

// WithCommandConsumer applies control commands arriving on the bus
func WithCommandConsumer(c *bus.CommandConsumer) ServiceOption {
	return func(s *Service) { s.consumer = c }
}

func NewService(config Config, reg *registry.Registry, engine *syncengine.Engine, opts ...ServiceOption) *Service {
	router := NewRouter(reg, engine, config.DriftThresholdSec)

	s := &Service{
		registry:          reg,
		engine:            engine,
		router:            router,
		connectionManager: NewConnectionManager(config.ConnectionConfig, router),
		apiHandler:        NewAPIHandler(engine, reg),
	}
	for _, opt := range opts {
		opt(s)
	}

	// purged devices leave the playback session too
	reg.OnEvent(func(ev registry.Event) {
		if ev.Kind == registry.EventRemoved && engine.RemoveClient(ev.StableID) {
			log.Info().Str("device_id", ev.StableID).Msg("removed purged device from playback")
		}
	})

	if s.forwarder != nil {
		reg.OnEvent(s.forwarder.DeviceEvent)
		engine.Observe(s.forwarder.EngineChange)
	}

	return s
}

// Start runs the liveness sweep and the optional bus workers, then blocks until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting screen sync service")

	s.registry.Start(ctx)
	go s.connectionManager.Start(ctx)

	if s.forwarder != nil {
		go s.forwarder.Run(ctx)
	}
	if s.consumer != nil {
		go func() {
			if err := s.consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("control command consumer failed")
			}
		}()
	}

	<-ctx.Done()

	log.Info().Msg("screen sync service shutting down")
	return s.Stop()
}

// Stop halts the sweep and the bus consumer and drops every screen connection
func (s *Service) Stop() error {
	s.registry.Stop()

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop control command consumer")
		}
	}

	s.connectionManager.CloseAll()
	log.Info().Msg("screen sync service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and control API routes. ctx bounds connection handling.
func (s *Service) RegisterRoutes(ctx context.Context, mux *http.ServeMux) {
	NewWebSocketHandler(ctx, s.connectionManager).RegisterRoutes(mux)
	s.apiHandler.RegisterRoutes(mux)
	log.Info().Msg("screen sync routes registered")
}

// GetStats returns statistics about the service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "screensync"
	stats["playback_status"] = string(s.engine.State().Status())
	stats["devices_known"] = len(s.registry.GetDevices())
	return stats
}
