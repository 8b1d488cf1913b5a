package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"webhook-pipeline/internal/config"
	"webhook-pipeline/internal/logging"
	"webhook-pipeline/internal/queue"
	"webhook-pipeline/internal/ratelimit"
	"webhook-pipeline/internal/store"
	"webhook-pipeline/internal/telemetry"
	"webhook-pipeline/internal/worker"
)

// Plan credit allowances refreshed on activation and each paid invoice.
var planCredits = map[string]int64{
	"starter": 100,
	"pro":     1000,
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer limiterClient.Close()
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.DispatchRateCapacity, cfg.DispatchRateRefill, time.Hour)

	pool := worker.NewPool(cfg, q, st, limiter, log)
	worker.NewEffects(st, planCredits, log).RegisterAll(pool)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	log.Info("worker pool started",
		"workers", cfg.WorkerCount,
		"max_attempts", cfg.MaxAttempts,
		"backoff_initial", cfg.BackoffInitial.String(),
		"visibility", cfg.VisibilityTimeout.String())
	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		log.Error("worker pool stopped", "error", err)
	}
}
