// Package app wires the stores, queues and collaborators shared by every dialog binary.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"parley.app/dialog/common/llm"
	"parley.app/dialog/core/config"
	"parley.app/dialog/core/db"
	"parley.app/dialog/internal/brain"
	"parley.app/dialog/internal/channel"
	"parley.app/dialog/internal/lock"
	"parley.app/dialog/internal/queue"
	"parley.app/dialog/internal/service"
	"parley.app/dialog/internal/store"
	"parley.app/dialog/internal/timing"
	"parley.app/dialog/internal/worker"
)

type App struct {
	Config       config.Config
	DB           *db.DB
	Redis        *redis.Client
	Stores       store.Provider
	Producer     queue.Producer
	Scheduler    *queue.RedisScheduler
	Locks        *lock.Manager
	Orchestrator *brain.Orchestrator
	Sweeper      *worker.Sweeper
	Services     *service.Services
}

// New connects to Postgres and Redis and builds the orchestrator graph. Callers own Close.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Pipeline.RedisStream)

	var llmClient llm.Client
	if cfg.LLM.Enabled() {
		llmClient, err = llm.New(llm.Config{
			Provider:  cfg.LLM.Provider,
			APIKey:    cfg.LLM.APIKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		})
		if err != nil {
			database.Close()
			_ = redisClient.Close()
			return nil, fmt.Errorf("creating llm client: %w", err)
		}
		slog.InfoContext(ctx, "llm client ready", "provider", cfg.LLM.Provider, "model", llmClient.Model())
	} else {
		slog.WarnContext(ctx, "llm not configured, planned steps and fallback nudges are sent verbatim")
	}

	a := &App{
		Config: cfg,
		DB:     database,
		Redis:  redisClient,
		Stores: store.NewStores(database),
	}
	a.Producer = queue.NewRedisProducer(redisClient, cfg.Pipeline.RedisStream, slog.Default())
	a.Scheduler = queue.NewRedisScheduler(redisClient, cfg.Pipeline.RedisScheduleKey, a.Producer)
	a.Locks = lock.NewManager(a.Stores.Conversations())

	a.Orchestrator = brain.NewOrchestrator(brain.Config{
		LockTTL: cfg.Orchestrator.LockTTL,
	}, brain.Deps{
		Stores:    a.Stores,
		Locks:     a.Locks,
		Timing:    timing.New(cfg.Orchestrator.DelaySeed),
		Writer:    brain.NewWriter(llmClient, cfg.Orchestrator.GenerationBackoff),
		Tracker:   brain.NewTracker(llmClient, a.Stores.LLMEvals()),
		Sender:    channel.NewHTTPSender(cfg.Channel),
		Scorer:    queue.NewRedisScorer(redisClient, cfg.Pipeline.ScoringStream),
		Scheduler: a.Scheduler,
	})

	a.Sweeper = worker.NewSweeper(a.Stores, a.Orchestrator, worker.NewRedisCooldown(redisClient, ""), worker.SweeperConfig{
		Interval:    cfg.Sweeper.Interval,
		Grace:       cfg.Sweeper.Grace,
		StaleClaim:  cfg.Sweeper.StaleClaim,
		Cooldown:    cfg.Sweeper.Cooldown,
		BatchSize:   cfg.Sweeper.BatchSize,
		Concurrency: cfg.Sweeper.Concurrency,
	})

	a.Services = service.NewServices(service.ServicesConfig{
		Stores:       a.Stores,
		Producer:     a.Producer,
		Locks:        a.Locks,
		Orchestrator: a.Orchestrator,
		Sweeper:      a.Sweeper,
		Scheduler:    a.Scheduler,
	})

	return a, nil
}

// Close waits for in-flight trigger publishes before dropping connections.
func (a *App) Close() {
	a.Services.Drain()
	if err := a.Producer.Close(); err != nil {
		slog.Warn("closing redis", "error", err)
	}
	a.DB.Close()
}
