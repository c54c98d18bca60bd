// Package main provides the outbox relay service entry point.
// Implements the Transactional Outbox pattern relay.
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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medirx/rxcore/internal/config"
	"github.com/medirx/rxcore/internal/infrastructure/postgres"
	"github.com/medirx/rxcore/internal/infrastructure/redpanda"
	"github.com/medirx/rxcore/internal/observability/logging"
	"github.com/medirx/rxcore/internal/observability/metrics"
	"github.com/medirx/rxcore/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"

	statsInterval   = 15 * time.Second
	cleanupInterval = time.Hour
	retainProcessed = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(serviceName, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("outbox relay failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.FromConfig(serviceName, cfg))
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	err = admin.EnsureTopics(ctx, replicationFactor(cfg))
	admin.Close()
	if err != nil {
		return err
	}

	m := metrics.New(nil)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, producer, relayCfg, logger)

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.OpsMux(func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return producer.Ping(ctx)
	})}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error {
		every(ctx, statsInterval, func() {
			stats, err := relay.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				return
			}
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.Retrying > 0 {
				logger.Warn("outbox entries retrying", zap.Int64("retrying", stats.Retrying))
			}
		})
		return nil
	})
	g.Go(func() error {
		every(ctx, cleanupInterval, func() {
			n, err := relay.CleanupProcessed(ctx, retainProcessed)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				return
			}
			logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
		})
		return nil
	})
	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func replicationFactor(cfg *config.Config) int16 {
	if cfg.IsDev() || len(cfg.KafkaBrokers) < 3 {
		return 1
	}
	return 3
}

func every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
