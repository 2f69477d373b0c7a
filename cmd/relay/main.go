package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/logger"
	"github.com/mossy-p/webrtc-matchmaking/internal/redis"
	"github.com/mossy-p/webrtc-matchmaking/internal/relay"
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		zl.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	store := redis.NewStore(client, cfg.Relay.PresenceTTL)
	defer store.Close()
	zl.Info("Redis connection established", zap.String("host", cfg.Redis.Host))

	metrics := relay.NewMetrics("relay")
	hub := relay.NewHub(relay.Options{
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		SearchCooldown:    cfg.Relay.SearchCooldown,
	}, store, metrics, zl)
	go hub.Run(ctx)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: relay.NewRouter(cfg, hub, metrics),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	zl.Info("Starting matchmaking relay", zap.String("port", cfg.Port), zap.String("environment", cfg.Environment))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Fatal("Failed to start server", zap.Error(err))
	}
}
