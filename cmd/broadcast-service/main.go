package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dsr1111/toko-auction/internal/notify"
	wsHandler "github.com/dsr1111/toko-auction/internal/websocket"
	"github.com/dsr1111/toko-auction/shared/config"
	"github.com/dsr1111/toko-auction/shared/logging"
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/dsr1111/toko-auction/shared/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Notification sources
const (
	sourceRedis = "redis"
	sourceNATS  = "nats"
)

func main() {
	log := logging.New("broadcast-service")
	log.Info().Msg("Starting Broadcast Service...")

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "broadcast-service")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer shutdownTracing(context.Background())

	subscriber, closeSource, err := openSource(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("source", cfg.Source).Msg("failed to connect to notification source")
	}
	defer closeSource()

	// Initialize WebSocket manager
	wsManager := wsHandler.NewManager(log)
	go wsManager.Run(ctx)
	log.Info().Msg("WebSocket manager started")

	// Forward notifications to WebSocket clients, folding bursts
	coalescer := wsHandler.NewCoalescer(cfg.CoalesceWindow, wsManager.Broadcast)
	defer coalescer.Stop()

	sub, err := subscriber.Subscribe(ctx, func(env models.Envelope) {
		coalescer.Push(env)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to change notifications")
	}
	defer sub.Unsubscribe()
	log.Info().Str("source", cfg.Source).Dur("coalesce_window", cfg.CoalesceWindow).Msg("Subscribed to change notifications")

	// Initialize HTTP server for WebSocket connections
	handler := wsHandler.NewHandler(wsManager, cfg.AllowedOrigins, log)
	router := handler.SetupRoutes()

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("Broadcast Service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	cancel()

	log.Info().Msg("Server stopped gracefully")
}

func openSource(cfg *Config, log zerolog.Logger) (notify.Subscriber, func() error, error) {
	switch cfg.Source {
	case sourceNATS:
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("broadcast-service"))
		if err != nil {
			return nil, nil, err
		}
		return notify.NewNATSSubscriber(nc, notify.NATSSubject, log), func() error {
			nc.Close()
			return nil
		}, nil
	default:
		rdb, err := notify.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return notify.NewRedisSubscriber(rdb, notify.RedisChannel, log), rdb.Close, nil
	}
}

// Config holds application configuration
type Config struct {
	ServerAddr     string
	Source         string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	NatsURL        string
	AllowedOrigins []string
	CoalesceWindow time.Duration
}

// loadConfig loads configuration from environment variables
func loadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddr:     config.GetEnv("SERVER_ADDR", ":8081"),
		Source:         config.GetEnv("BROADCAST_SOURCE", sourceRedis),
		RedisAddr:      config.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  config.GetEnv("REDIS_PASSWORD", ""),
		NatsURL:        config.GetEnv("NATS_URL", "nats://localhost:4222"),
		AllowedOrigins: config.SplitCSV(config.GetEnv("ALLOWED_ORIGINS", "")),
	}

	var err error
	if cfg.RedisDB, err = config.ParseEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.CoalesceWindow, err = config.ParseEnvDuration("COALESCE_WINDOW", time.Second); err != nil {
		return nil, err
	}

	if cfg.Source != sourceRedis && cfg.Source != sourceNATS {
		return nil, fmt.Errorf("unknown BROADCAST_SOURCE %q (want redis or nats)", cfg.Source)
	}
	if cfg.CoalesceWindow < 0 {
		return nil, fmt.Errorf("COALESCE_WINDOW must not be negative")
	}
	return cfg, nil
}
