package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mcdev12/screensync/go/internal/dbconfig"
	"github.com/mcdev12/screensync/go/internal/screens/bus"
	"github.com/mcdev12/screensync/go/internal/screens/config"
	"github.com/mcdev12/screensync/go/internal/screens/gateway"
	"github.com/mcdev12/screensync/go/internal/screens/media"
	"github.com/mcdev12/screensync/go/internal/screens/registry"
	"github.com/mcdev12/screensync/go/internal/screens/syncengine"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load(getEnv("SCREENSYNC_CONFIG", "screensync.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver, pool := setupResolver(ctx, cfg.Media)
	if pool != nil {
		defer pool.Close()
	}

	clock := clockwork.NewRealClock()
	reg := registry.New(registry.Config{
		SweepInterval:     cfg.Registry.SweepInterval,
		InactivityTimeout: cfg.Registry.InactivityTimeout,
		GraceWindow:       cfg.Registry.GraceWindow,
	}, clock)

	engine := syncengine.New(syncengine.Config{
		RealignCooldown: cfg.Sync.RealignCooldown,
		InitialBiasSec:  cfg.Sync.InitialBiasSec,
	}, resolver, syncengine.WithClock(clock), syncengine.WithLiveness(reg))

	opts, publisher := setupBus(cfg.NATS, engine)
	if publisher != nil {
		defer publisher.Close()
	}

	connCfg := gateway.DefaultConnectionConfig()
	connCfg.WriteTimeout = cfg.WebSocket.WriteTimeout
	connCfg.ReadTimeout = cfg.WebSocket.ReadTimeout
	connCfg.PingInterval = cfg.WebSocket.PingInterval
	connCfg.MaxMessageSize = cfg.WebSocket.MaxMessageSize
	connCfg.InboundRate = rate.Limit(cfg.WebSocket.InboundRate)
	connCfg.InboundBurst = cfg.WebSocket.InboundBurst

	service := gateway.NewService(gateway.Config{
		ConnectionConfig:  connCfg,
		DriftThresholdSec: cfg.Sync.DriftThresholdSec,
	}, reg, engine, opts...)

	var db gateway.Pinger
	if pool != nil {
		db = pool
	}
	var busConn gateway.ConnectionReporter
	if publisher != nil {
		busConn = publisher
	}
	health := gateway.NewHealthChecker(reg, db, busConn)

	server := setupServer(ctx, cfg.HTTP, service, health)

	log.Info().
		Str("port", cfg.HTTP.Port).
		Bool("bus_enabled", cfg.NATS.URL != "").
		Bool("media_library", pool != nil).
		Msg("starting screen sync gateway")

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("screen sync service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Cancel service context and wait for the sweep and bus workers to stop
	cancel()
	<-serviceDone

	log.Info().Msg("screen sync gateway shutdown complete")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// setupResolver chains the song library in front of path/URL resolution when the library is enabled
func setupResolver(ctx context.Context, cfg config.MediaConfig) (media.Resolver, *pgxpool.Pool) {
	static := media.NewStaticResolver(cfg.BaseURL)
	if !cfg.LibraryEnabled {
		return static, nil
	}

	dbCfg := dbconfig.NewConfigFromEnv()
	pool, err := dbCfg.Connect(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("database", dbCfg.Database).Msg("failed to connect to media library")
	}
	log.Info().Str("database", dbCfg.Database).Msg("media library connected")

	return media.ChainResolver{media.NewPostgresResolver(pool, cfg.BaseURL), static}, pool
}

// setupBus connects the event publisher and control consumer. An empty URL disables both.
func setupBus(cfg config.NATSConfig, engine *syncengine.Engine) ([]gateway.ServiceOption, *bus.JetStreamPublisher) {
	if cfg.URL == "" {
		log.Info().Msg("NATS URL not set, event bus disabled")
		return nil, nil
	}

	pubCfg := bus.DefaultJetStreamConfig()
	pubCfg.URL = cfg.URL
	pubCfg.StreamName = cfg.EventsStream
	pubCfg.SubjectPrefix = cfg.EventsSubjectPrefix

	publisher, err := bus.NewJetStreamPublisher(pubCfg)
	if err != nil {
		log.Fatal().Err(err).Str("nats_url", cfg.URL).Msg("failed to create event publisher")
	}

	consumerCfg := bus.DefaultCommandConsumerConfig()
	consumerCfg.URL = cfg.URL
	consumerCfg.StreamName = cfg.ControlStream
	consumerCfg.SubjectPrefix = cfg.ControlSubjectPrefix

	consumer, err := bus.NewCommandConsumer(engine, consumerCfg)
	if err != nil {
		log.Fatal().Err(err).Str("nats_url", cfg.URL).Msg("failed to create control command consumer")
	}

	return []gateway.ServiceOption{
		gateway.WithEventForwarder(bus.NewForwarder(publisher, cfg.PublishTimeout)),
		gateway.WithCommandConsumer(consumer),
	}, publisher
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
