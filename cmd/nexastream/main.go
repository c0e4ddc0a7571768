package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nexastream/nexastream/api"
	"github.com/nexastream/nexastream/internal/config"
	"github.com/nexastream/nexastream/internal/migration"
	"github.com/nexastream/nexastream/internal/realtime"
	"github.com/nexastream/nexastream/internal/rollout"
	"github.com/nexastream/nexastream/pkg/logger"
	"github.com/nexastream/nexastream/pkg/tracing"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	tracingShutdown, err := tracing.Setup(context.Background())
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	// Blue-green pair: the legacy hub starts active, the replacement warm.
	legacyHub := realtime.NewHub("legacy", cfg.Realtime.ShardCount, cfg.Realtime.ReplaySize, zapLogger)
	replacementHub := realtime.NewHub("replacement", cfg.Realtime.ShardCount, cfg.Realtime.ReplaySize, zapLogger)

	rolloutMgr := rollout.NewManager(zapLogger, cfg.Rollout)

	migrator := migration.NewMigrator(zapLogger, cfg.Migration, legacyHub, replacementHub, rolloutMgr)

	// Both hubs share one websocket mux; request telemetry from it feeds
	// the rollout controller's rollback decisions.
	wsMux := http.NewServeMux()
	if err := migrator.Initialize(wsMux); err != nil {
		zapLogger.Fatal("Failed to initialize migrator", zap.Error(err))
	}

	// The public entrypoint: the migrator decides which side of the pair
	// takes each new connection, so the rollout percentage splits real
	// traffic rather than just labeling it.
	hubs := map[migration.ServiceRole]*realtime.Hub{
		migration.RoleLegacy:      legacyHub,
		migration.RoleReplacement: replacementHub,
	}
	wsMux.Handle("/ws", realtime.EntryHandler(func(userID string) *realtime.Hub {
		return hubs[migrator.RouteUser(userID)]
	}))

	wsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Realtime.Port),
		Handler: rollout.Middleware(rolloutMgr, migration.RolloutFlag, wsMux),
	}
	go func() {
		zapLogger.Info("realtime server listening", zap.Int("port", cfg.Realtime.Port))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("realtime server error", zap.Error(err))
		}
	}()

	opsServer := api.NewServer(zapLogger, migrator, rolloutMgr, cfg.Server.RateLimit)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := opsServer.Start(addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout); err != nil {
			zapLogger.Error("ops API error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := migrator.Shutdown(ctx); err != nil {
		zapLogger.Error("migrator shutdown error", zap.Error(err))
	}
	if err := opsServer.Stop(ctx); err != nil {
		zapLogger.Error("ops API shutdown error", zap.Error(err))
	}
	if err := wsServer.Shutdown(ctx); err != nil {
		zapLogger.Error("realtime server shutdown error", zap.Error(err))
	}
	legacyHub.Shutdown()
	replacementHub.Shutdown()
	if err := tracingShutdown(ctx); err != nil {
		zapLogger.Error("tracing shutdown error", zap.Error(err))
	}
	zapLogger.Info("shutdown complete")
}
