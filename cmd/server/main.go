package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nglmercer/nwebhook/internal/bridge"
	"github.com/nglmercer/nwebhook/internal/config"
	"github.com/nglmercer/nwebhook/internal/logging"
	"github.com/nglmercer/nwebhook/internal/metrics"
	"github.com/nglmercer/nwebhook/internal/relay"
	"github.com/nglmercer/nwebhook/internal/server"
	"github.com/nglmercer/nwebhook/internal/version"
	goredis "github.com/redis/go-redis/v9"
)

const redisConnectTimeout = 5 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, redisURL string) *goredis.Client {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	return client
}

func runGracefulShutdown(srv *server.Server, engine *relay.Engine, stopBridge context.CancelFunc, timeout time.Duration) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if stopBridge != nil {
			stopBridge()
		}
		engine.CloseAll()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "addr", cfg.Addr(), "version", version.Version)

	metrics.BuildInfo.WithLabelValues(version.Version, version.Commit, version.BuildTime, runtime.Version()).Set(1)

	registry := relay.NewRegistry()
	engine := relay.NewEngine(registry, relay.DeliveryPolicy(cfg.DeliveryPolicy))

	// Cross-instance bridge is optional; without REDIS_URL the relay runs
	// single-instance and broadcasts stay local.
	var (
		healthChecks []server.HealthCheck
		stopBridge   context.CancelFunc
	)
	if cfg.RedisURL != "" {
		redisClient := setupRedis(context.Background(), cfg.RedisURL)
		defer func() { _ = redisClient.Close() }()

		b := bridge.New(redisClient, cfg.BridgeChannel, engine)
		engine.SetPublisher(b)
		healthChecks = append(healthChecks, server.HealthCheck{Name: "redis", Check: b.Ping})

		var bridgeCtx context.Context
		bridgeCtx, stopBridge = context.WithCancel(context.Background())
		go b.Run(bridgeCtx)

		slog.Info("Bridge enabled", "channel", cfg.BridgeChannel)
	}

	srv := server.NewServer(cfg, registry, engine, clock, healthChecks)

	done := runGracefulShutdown(srv, engine, stopBridge, cfg.ShutdownTimeout)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
