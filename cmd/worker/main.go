package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storyforge/engine/pkg/config"
	"github.com/storyforge/engine/pkg/database"
	"github.com/storyforge/engine/pkg/logger"

	"github.com/storyforge/engine/internal/queue/tasks"
	"github.com/storyforge/engine/internal/repository"
	"github.com/storyforge/engine/internal/services"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
		},
	)

	// Initialize DB and services for task handlers
	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.L().Fatal("failed to open database", zap.Error(err))
	}

	nodeRepo := repository.NewNodeRepository(db)
	blockRepo := repository.NewBlockRepository(db)
	versionRepo := repository.NewVersionRepository(db)

	inheritanceSvc := services.NewInheritanceService(db, nodeRepo, blockRepo)
	versionSvc := services.NewVersionService(db, versionRepo, nodeRepo, cfg.SnapshotCooldown)

	retention := services.RetentionPolicy{
		MaxAge:   cfg.VersionMaxAge,
		MaxCount: cfg.VersionMaxCount,
		KeepMin:  cfg.VersionKeepMin,
	}

	mux := asynq.NewServeMux()
	propagateHandler := tasks.NewPropagateTaskHandler(inheritanceSvc)
	pruneHandler := tasks.NewPruneTaskHandler(versionSvc, retention)
	mux.HandleFunc(tasks.TypePropagate, propagateHandler.HandlePropagate)
	mux.HandleFunc(tasks.TypePruneVersions, pruneHandler.HandlePrune)

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.L().Error("worker stopped with error", zap.Error(err))
	}

	// Allow in-flight tasks to finish gracefully
	srv.Shutdown()
}
