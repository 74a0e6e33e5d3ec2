package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig holds consumer settings for a KafkaSource.
type KafkaConfig struct {
	// Brokers is the list of seed brokers.
	Brokers []string

	// Topic is the topic to consume.
	Topic string

	// Group is the consumer group whose committed offsets mark progress.
	Group string

	// ClientID identifies this consumer to the brokers.
	ClientID string

	// StartOffset is "earliest" or "latest" for a group without commits.
	StartOffset string
}

// kafkaClient is the subset of *kgo.Client the source uses.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AllowRebalance()
	Close()
}

// KafkaSource consumes a topic as part of a consumer group. Offsets are
// committed only through Ack, so unacknowledged records are redelivered to
// the group after a restart.
//
// Rebalances are blocked while fetched records are still pending, so a
// partition only moves to another member once everything fetched from it has
// been acknowledged. Partitions lost without a clean revoke have their
// pending records dropped; the new owner replays them from the last commit.
type KafkaSource struct {
	client kafkaClient
	topic  string
	logger *slog.Logger

	mu      sync.Mutex
	pending []*kgo.Record
}

// NewKafkaSource creates a group consumer for cfg.Topic.
func NewKafkaSource(cfg KafkaConfig, logger *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka source: no brokers configured")
	}
	if cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New("kafka source: topic and group are required")
	}

	start := kgo.NewOffset().AtStart()
	if cfg.StartOffset == "latest" {
		start = kgo.NewOffset().AtEnd()
	}

	s := newKafkaSource(nil, cfg.Topic, logger)

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(start),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsRevoked(s.dropPartitions),
		kgo.OnPartitionsLost(s.dropPartitions),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	s.client = client

	return s, nil
}

func newKafkaSource(client kafkaClient, topic string, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{
		client: client,
		topic:  topic,
		logger: logger.With("component", "kafka-source", "topic", topic),
	}
}

// Name implements Source.
func (s *KafkaSource) Name() string {
	return "kafka:" + s.topic
}

// Next implements Source. Records are returned in fetch order, which
// preserves per-partition order.
func (s *KafkaSource) Next(ctx context.Context) (Record, error) {
	for {
		if r := s.popPending(); r != nil {
			return Record{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Key:       r.Key,
				Payload:   r.Value,
				Timestamp: r.Timestamp,
				kafka:     r,
			}, nil
		}

		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		// Everything from the previous poll has been handed out and, since the
		// loop calls Next only after Ack, acknowledged.
		s.client.AllowRebalance()

		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return Record{}, ErrEndOfStream
		}
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if fetchErr == nil && !errors.Is(err, context.Canceled) {
				fetchErr = fmt.Errorf("fetch %s/%d: %w", topic, partition, err)
			}
		})
		if fetchErr != nil {
			return Record{}, fetchErr
		}

		s.mu.Lock()
		fetches.EachRecord(func(r *kgo.Record) {
			s.pending = append(s.pending, r)
		})
		s.mu.Unlock()
	}
}

func (s *KafkaSource) popPending() *kgo.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	r := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return r
}

// dropPartitions discards pending records for partitions this member no
// longer owns.
func (s *KafkaSource) dropPartitions(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gone := make(map[string]map[int32]bool, len(lost))
	for topic, partitions := range lost {
		gone[topic] = make(map[int32]bool, len(partitions))
		for _, p := range partitions {
			gone[topic][p] = true
		}
	}

	kept := s.pending[:0]
	dropped := 0
	for _, r := range s.pending {
		if gone[r.Topic][r.Partition] {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept

	if dropped > 0 {
		s.logger.Warn("dropped pending records for reassigned partitions",
			"partitions", lost,
			"dropped", dropped,
		)
	}
}

// Ack commits the record's offset for its partition.
func (s *KafkaSource) Ack(ctx context.Context, rec Record) error {
	if rec.kafka == nil {
		return fmt.Errorf("ack %s: record was not read from kafka", rec.Position())
	}
	if err := s.client.CommitRecords(ctx, rec.kafka); err != nil {
		return fmt.Errorf("commit %s: %w", rec.Position(), err)
	}
	return nil
}

// Close leaves the group and closes the client.
func (s *KafkaSource) Close() error {
	s.client.Close()
	s.logger.Info("kafka source closed")
	return nil
}
