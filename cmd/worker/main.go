package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tuzimao/Ai-Question-Generator-sub002/config"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/ai"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/ai/openai"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/chunker"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/db"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/logger"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/minio"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/parser"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/pipeline"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/queue"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/repository"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/worker"
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

	var embedder ai.Embedder
	if config.Config.OpenAI.APIKey != "" {
		embedder, err = openai.NewEmbedder(config.Config.OpenAI.APIKey, config.Config.OpenAI.EmbeddingModel)
		if err != nil {
			log.Fatal("creating embedder", zap.Error(err))
		}
		defer func() { _ = embedder.Close() }()
	} else {
		log.Info("no embedding provider configured, documents terminate at chunked")
	}

	q := queue.New(repo, queue.Config{
		MaxRetries:   config.Config.Worker.MaxRetries,
		BackoffBase:  config.Config.Worker.BackoffBase,
		StaleRunning: config.Config.Worker.StaleRunning,
	}, log)
	orch := pipeline.NewOrchestrator(repo, q, log, embedder != nil)

	parsers := parser.NewRegistry(&config.Config.Parser)
	tokenCounter := chunker.NewTokenCounter(config.Config.Chunking.Encoding)
	ch := chunker.NewChunker(config.Config.Chunking.MaxTokens, tokenCounter)
	stages := worker.NewStages(repo, store, parsers, ch, embedder, config.Config.OpenAI.BatchSize)

	var events *worker.EventPublisher
	if config.Config.Cache.Redis.Enabled {
		redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
		defer redisClient.Close()
		events = worker.NewEventPublisher(redisClient, config.Config.Cache.EventChannel, log)
	}

	pool := worker.NewPool(q, orch, repo, stages, worker.Options{
		Concurrency:  config.Config.Worker.Concurrency,
		PollInterval: config.Config.Worker.PollInterval,
		JobTimeout:   config.Config.Worker.JobTimeout,
	}, events, log)
	pool.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
	cancel()
	pool.Stop()
}
