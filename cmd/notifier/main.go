// Package main provides the notifier entry point. It consumes prescription
// events and emails patients about new prescriptions.
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
	"github.com/medirx/rxcore/internal/domain/identity"
	"github.com/medirx/rxcore/internal/domain/prescription"
	"github.com/medirx/rxcore/internal/infrastructure/postgres"
	"github.com/medirx/rxcore/internal/infrastructure/redpanda"
	"github.com/medirx/rxcore/internal/notification"
	"github.com/medirx/rxcore/internal/notifier"
	"github.com/medirx/rxcore/internal/observability/logging"
	"github.com/medirx/rxcore/internal/observability/metrics"
	"github.com/medirx/rxcore/internal/observability/tracing"
	"github.com/medirx/rxcore/pkg/circuitbreaker"
	"github.com/medirx/rxcore/pkg/idempotency"
	"github.com/medirx/rxcore/pkg/workerpool"
)

const (
	serviceName = "notifier"
	lagInterval = 30 * time.Second
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
		logger.Fatal("notifier failed", zap.Error(err))
	}
	logger.Info("notifier stopped")
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
	defer admin.Close()
	if err := admin.EnsureTopics(ctx, 1); err != nil {
		return err
	}

	m := metrics.New(nil)

	sender, err := newSender(cfg, m, logger)
	if err != nil {
		return err
	}

	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.Terminal = notifier.Permanent
	inbox := idempotency.NewInbox(pool, inboxCfg, logger)

	users := identity.NewService(identity.NewPGStore(pool), logger)
	prescriptions := prescription.NewService(prescription.NewPGStore(pool), users, logger)
	n := notifier.New(prescriptions, inbox, sender, m, logger)

	poolCfg := workerpool.DefaultConfig()
	if cfg.NotifierWorkers > 0 {
		poolCfg.Workers = cfg.NotifierWorkers
	}
	poolCfg.Retryable = notifier.Retryable
	workers := workerpool.New(poolCfg, logger)
	workers.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, n.Handle, workers, m, logger)
	if err != nil {
		_ = workers.Stop()
		return err
	}
	consumer.Start(ctx)
	logger.Info("notifier started",
		zap.String("group", consumerCfg.GroupID),
		zap.Strings("topics", consumerCfg.Topics),
		zap.Int("workers", poolCfg.Workers))

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.OpsMux(func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		if !workers.IsHealthy() {
			return errors.New("worker pool saturated")
		}
		return admin.Ping(ctx)
	})}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		inbox.RunCleanup(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(lagInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				lag, err := admin.Lag(gctx, consumerCfg.GroupID)
				if err != nil {
					logger.Warn("consumer lag failed", zap.Error(err))
					continue
				}
				for topic, n := range lag {
					m.ConsumerLag.WithLabelValues(topic).Set(float64(n))
				}
			}
		}
	})
	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		consumer.Stop()
		if err := workers.Stop(); err != nil {
			logger.Warn("worker pool stop", zap.Error(err))
		}
		stats := consumer.Stats()
		logger.Info("consumer totals", zap.Int64("handled", stats.Handled), zap.Int64("failed", stats.Failed))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newSender relays through SMTP when a host is configured and logs messages
// otherwise. Either way the sender sits behind a circuit breaker.
func newSender(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (notification.Sender, error) {
	var next notification.Sender
	name := "mail-log"
	if cfg.SMTPHost != "" {
		smtp, err := notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		if err != nil {
			return nil, err
		}
		next, name = smtp, "smtp"
	} else {
		logger.Warn("SMTP_HOST not set, notifications are logged only")
		next = notification.NewLogSender(logger)
	}
	return notification.NewBreakerSender(next, circuitbreaker.DefaultConfig(name), m, logger)
}
