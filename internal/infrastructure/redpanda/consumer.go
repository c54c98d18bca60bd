package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/observability/metrics"
	"github.com/medirx/rxcore/pkg/workerpool"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeoutMS is the group session timeout
	SessionTimeoutMS int64
	// MaxPollRecords caps the records handled per poll
	MaxPollRecords int
	// StartOffset is "earliest" or "latest" for groups without commits
	StartOffset string
}

// DefaultConsumerConfig returns defaults for the notifier.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:          []string{"localhost:9092"},
		GroupID:          "rx-notifier",
		Topics:           []string{TopicPrescriptionEvents},
		SessionTimeoutMS: 30000,
		MaxPollRecords:   100,
		StartOffset:      "earliest",
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads a consumer group and hands each record to a handler. The
// records of one poll run concurrently on the pool; offsets are committed
// once the whole poll has been handled. Handler failures are logged and
// counted, then committed past: retries belong to the handler.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
	handler MessageHandler
	pool    *workerpool.Pool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled int64
	failed  int64
}

// NewConsumer creates a consumer. pool and m may be nil; without a pool
// records are handled one at a time.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, pool *workerpool.Pool, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.SessionTimeoutMS > 0 {
		opts = append(opts, kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS)*time.Millisecond))
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		metrics: m,
		handler: handler,
		pool:    pool,
	}, nil
}

// Start begins consuming in the background.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx)
	}()
}

// Stop waits for the in-flight poll, commits it and closes the client.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.handleAll(ctx, records)

		c.client.MarkCommitRecords(records...)
		if err := c.client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
}

func (c *Consumer) handleAll(ctx context.Context, records []*kgo.Record) {
	if c.pool == nil {
		for _, r := range records {
			c.finish(r, c.process(ctx, r))
		}
		return
	}

	jobs := make([]workerpool.Job, len(records))
	for i, r := range records {
		r := r
		jobs[i] = workerpool.Job{
			ID:  r.Topic + "/" + strconv.Itoa(int(r.Partition)) + "@" + strconv.FormatInt(r.Offset, 10),
			Run: func(ctx context.Context) error { return c.process(ctx, r) },
		}
	}
	for i, err := range c.pool.RunAll(ctx, jobs) {
		c.finish(records[i], err)
	}
}

func (c *Consumer) finish(r *kgo.Record, err error) {
	c.metrics.KafkaMessagesConsumed.Inc()
	if err != nil {
		atomic.AddInt64(&c.failed, 1)
		c.logger.Error("message handler failed",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
		return
	}
	atomic.AddInt64(&c.handled, 1)
}

func (c *Consumer) process(ctx context.Context, r *kgo.Record) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{r})
	ctx, span := c.tracer.Start(ctx, "redpanda.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", r.Topic),
			attribute.Int64("messaging.kafka.destination.partition", int64(r.Partition)),
			attribute.Int64("messaging.kafka.message.offset", r.Offset),
		))
	defer span.End()

	if err := c.handler(ctx, toMessage(r)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func toMessage(r *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	Handled int64
	Failed  int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled: atomic.LoadInt64(&c.handled),
		Failed:  atomic.LoadInt64(&c.failed),
	}
}
