package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"plant-doctor/handler"
	"plant-doctor/internal/conversation"
	"plant-doctor/internal/dedup"
	"plant-doctor/internal/integrations/gemini"
	"plant-doctor/internal/integrations/line"
	"plant-doctor/internal/integrations/paramstore"
	"plant-doctor/internal/ratelimit"
	"plant-doctor/internal/repository"
	"plant-doctor/internal/usecase"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2

	sweepInterval = time.Minute
	redisPingWait = 5 * time.Second
)

func main() {
	// A missing .env is normal outside local runs.
	_ = godotenv.Load()

	code, err := run(context.Background())
	if err != nil {
		slog.Error("plant-doctor terminated", "error", err)
	}
	os.Exit(code)
}

func run(ctx context.Context) (int, error) {
	// ---- Configuration (read only here) ----
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return exitConfig, fmt.Errorf("read environment: %w", err)
	}
	cfg, err := loadConfig(es)
	if err != nil {
		return exitConfig, err
	}
	logger := newLogger(os.Stdout, cfg.slogLevel())
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return exitRuntime, fmt.Errorf("load AWS config: %w", err)
	}

	// ---- Clients ----
	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return exitRuntime, fmt.Errorf("create SSM client: %w", err)
	}

	store, err := newStateStore(ctx, cfg, awsCfg, logger)
	if err != nil {
		return exitRuntime, err
	}
	machine, err := conversation.NewMachine(store, cfg.StateTTL, conversation.WithLogger(logger))
	if err != nil {
		return exitRuntime, fmt.Errorf("create state machine: %w", err)
	}

	backend, limiter, closeCache, err := newCacheAndLimiter(ctx, cfg, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer closeCache()
	cache, err := dedup.NewCache(backend, dedup.WithLogger(logger))
	if err != nil {
		return exitRuntime, fmt.Errorf("create diagnosis cache: %w", err)
	}

	geminiToken, err := paramstore.NewTokenSource(ps, paramstore.Join(cfg.ParamPrefix, paramstore.GeminiTokenName))
	if err != nil {
		return exitRuntime, err
	}
	channelToken, err := paramstore.NewTokenSource(ps, paramstore.Join(cfg.ParamPrefix, paramstore.ChannelTokenName))
	if err != nil {
		return exitRuntime, err
	}
	channelSecret, err := paramstore.NewTokenSource(ps, paramstore.Join(cfg.ParamPrefix, paramstore.ChannelSecretName))
	if err != nil {
		return exitRuntime, err
	}

	classifier, err := gemini.NewClient(geminiToken,
		gemini.WithBaseURL(cfg.GeminiBaseURL),
		gemini.WithModel(cfg.GeminiModel),
		gemini.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.GeminiRPS), 1)),
	)
	if err != nil {
		return exitRuntime, fmt.Errorf("create Gemini client: %w", err)
	}
	lineClient, err := line.NewClient(channelToken, line.WithMaxImageBytes(int64(cfg.MaxImageBytes)))
	if err != nil {
		return exitRuntime, fmt.Errorf("create LINE client: %w", err)
	}

	// ---- Handler ----
	svc, err := usecase.NewService(machine, cache, limiter, classifier, lineClient, usecase.Config{
		CacheTTL:       cfg.CacheTTL,
		MinConfidence:  cfg.MinConfidence,
		MaxAttempts:    cfg.ClassifyMaxAttempts,
		RetryBaseDelay: cfg.ClassifyRetryDelay,
	}, usecase.WithLogger(logger))
	if err != nil {
		return exitRuntime, fmt.Errorf("create diagnosis service: %w", err)
	}

	h, err := handler.NewHandler(svc, lineClient, channelSecret, handler.WithLogger(logger))
	if err != nil {
		return exitRuntime, fmt.Errorf("create handler: %w", err)
	}

	logger.Info("plant-doctor ready",
		"state_backend", cfg.StateBackend, "cache_backend", cfg.CacheBackend, "model", cfg.GeminiModel)
	lambda.Start(h.Handle)
	return exitOK, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func newStateStore(ctx context.Context, cfg Config, awsCfg aws.Config, logger *slog.Logger) (conversation.Store, error) {
	switch cfg.StateBackend {
	case "dynamodb":
		client, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("create state client: %w", err)
		}
		return client, nil
	case "memory":
		store := conversation.NewMemoryStore()
		go store.RunSweeper(ctx, sweepInterval, logger)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

// newCacheAndLimiter shares one Redis connection between the diagnosis cache
// and the rate limiter. Other cache backends count requests in memory.
func newCacheAndLimiter(ctx context.Context, cfg Config, logger *slog.Logger) (dedup.Backend, ratelimit.Limiter, func(), error) {
	noop := func() {}

	switch cfg.CacheBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close redis client", "error", err)
			}
		}
		pingCtx, cancel := context.WithTimeout(ctx, redisPingWait)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			closeClient()
			return nil, nil, noop, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		backend, err := dedup.NewRedisBackend(client)
		if err != nil {
			closeClient()
			return nil, nil, noop, err
		}
		limiter, err := ratelimit.NewRedisLimiter(client, cfg.MaxRequestsPerHour)
		if err != nil {
			closeClient()
			return nil, nil, noop, err
		}
		return backend, limiter, closeClient, nil

	case "badger":
		db, err := dedup.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, nil, noop, err
		}
		closeDB := func() {
			logger.Info("closing badger")
			if err := db.Close(); err != nil {
				logger.Warn("failed to close badger", "error", err)
			}
		}
		backend, err := dedup.NewBadgerBackend(db)
		if err != nil {
			closeDB()
			return nil, nil, noop, err
		}
		return backend, ratelimit.NewMemoryLimiter(cfg.MaxRequestsPerHour), closeDB, nil

	case "memory":
		backend := dedup.NewMemoryBackend()
		go sweepCache(ctx, backend, logger)
		return backend, ratelimit.NewMemoryLimiter(cfg.MaxRequestsPerHour), noop, nil

	default:
		return nil, nil, noop, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func sweepCache(ctx context.Context, backend *dedup.MemoryBackend, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := backend.Sweep(now); n > 0 {
				logger.Debug("swept expired diagnoses", "removed", n)
			}
		}
	}
}
