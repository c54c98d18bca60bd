package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/domain/prescription"
)

// Topic names.
const (
	TopicPrescriptionEvents = prescription.EventsTopic
	TopicDeadLetter         = "rx.dead-letter"
)

// Topic describes a topic the services expect to exist.
type Topic struct {
	Name       string
	Partitions int32
	Retention  time.Duration
}

// Topics lists the topics published to by the relay. Events are keyed by
// prescription id, so partitions only bound notifier parallelism.
func Topics() []Topic {
	return []Topic{
		{Name: TopicPrescriptionEvents, Partitions: 6, Retention: 7 * 24 * time.Hour},
		{Name: TopicDeadLetter, Partitions: 1, Retention: 30 * 24 * time.Hour},
	}
}

func (t Topic) configs() map[string]*string {
	retention := strconv.FormatInt(t.Retention.Milliseconds(), 10)
	deletePolicy, lz4 := "delete", "lz4"
	return map[string]*string{
		"retention.ms":     &retention,
		"cleanup.policy":   &deletePolicy,
		"compression.type": &lz4,
	}
}

// Admin bootstraps topics and reports consumer lag.
type Admin struct {
	cl     *kgo.Client
	adm    *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client. It does not contact the brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{cl: cl, adm: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates whichever of Topics is missing. Existing topics keep
// their current settings. A replication factor below 1 is treated as 1.
func (a *Admin) EnsureTopics(ctx context.Context, replicationFactor int16) error {
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	for _, t := range Topics() {
		resp, err := a.adm.CreateTopics(ctx, t.Partitions, replicationFactor, t.configs(), t.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", t.Name, err)
		}
		for _, r := range resp {
			switch {
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
			case r.Err != nil:
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			default:
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", t.Partitions),
					zap.Int16("replication_factor", replicationFactor))
			}
		}
	}
	return nil
}

// Lag sums the group's lag per topic.
func (a *Admin) Lag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.adm.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("consumer group lag: %w", err)
	}

	lag := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, p := range partitions {
				lag[topic] += p.Lag
			}
		}
	})
	return lag, nil
}

// Ping checks that a broker answers within five seconds.
func (a *Admin) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (a *Admin) Close() {
	a.adm.Close()
}
