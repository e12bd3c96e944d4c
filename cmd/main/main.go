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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tuzimao/Ai-Question-Generator-sub002/config"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/db"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/handler"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/logger"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/minio"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/pipeline"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/queue"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/repository"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/service"
)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logger.New(ctx, config.Config.Server.Debug)
	defer func() { _ = log.Sync() }()

	gormDB, err := db.GetConnection(&config.Config.Database, log)
	if err != nil {
		log.Fatal("connecting to database", zap.Error(err))
	}
	defer db.Close(gormDB)
	repo := repository.NewRepository(gormDB)

	store, err := minio.NewMinioClientAndInitBucket(ctx, &config.Config.Minio, log)
	if err != nil {
		log.Fatal("connecting to object storage", zap.Error(err))
	}

	q := queue.New(repo, queue.Config{
		MaxRetries:   config.Config.Worker.MaxRetries,
		BackoffBase:  config.Config.Worker.BackoffBase,
		StaleRunning: config.Config.Worker.StaleRunning,
	}, log)

	embedEnabled := config.Config.OpenAI.APIKey != ""
	orch := pipeline.NewOrchestrator(repo, q, log, embedEnabled)
	svc := service.NewService(repo, store, q, orch, embedEnabled, nil, log)

	if !config.Config.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handler.NewHandler(svc, config.Config.Server.MaxDataSize, log).Register(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Config.Server.Port),
		Handler: router,
	}
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", zap.Error(err))
	}
}
