package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// KafkaConfig holds broker settings shared by publisher and subscriber.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	GroupID   string
	Consumers int
}

// KafkaPublisher produces keyed messages. The hash balancer maps equal keys to
// the same partition.
type KafkaPublisher struct {
	writer *kafkago.Writer
}

var _ Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	if err := p.writer.WriteMessages(ctx, kafkago.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("publish to %s: %w", p.writer.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// kafkaConsumer abstracts kafkago.Reader for testability of commit behavior.
type kafkaConsumer interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSubscriber runs Consumers group members against one topic. Offsets are
// committed only after the handler acknowledges a message.
type KafkaSubscriber struct {
	cfg    KafkaConfig
	policy RetryPolicy
	logger *zap.Logger

	newConsumer   func() kafkaConsumer
	commitTimeout time.Duration

	mu        sync.Mutex
	consumers []kafkaConsumer
}

var _ Subscriber = (*KafkaSubscriber)(nil)

func NewKafkaSubscriber(cfg KafkaConfig, policy RetryPolicy, logger *zap.Logger) *KafkaSubscriber {
	s := &KafkaSubscriber{
		cfg:           cfg,
		policy:        policy,
		logger:        logger,
		commitTimeout: 5 * time.Second,
	}
	s.newConsumer = func() kafkaConsumer {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
	}
	return s
}

// Run starts the group members and blocks until ctx is cancelled.
func (s *KafkaSubscriber) Run(ctx context.Context, handler Handler) error {
	n := s.cfg.Consumers
	if n < 1 {
		n = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		consumer := s.newConsumer()
		s.mu.Lock()
		s.consumers = append(s.consumers, consumer)
		s.mu.Unlock()

		member := i
		g.Go(func() error {
			return s.consume(gctx, member, consumer, handler)
		})
	}
	return g.Wait()
}

func (s *KafkaSubscriber) consume(ctx context.Context, member int, consumer kafkaConsumer, handler Handler) error {
	log := s.logger.With(zap.Int("member", member), zap.String("topic", s.cfg.Topic))
	fetchBackoff := s.policy.first()

	for {
		msg, err := consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Info("kafka consumer loop stopping")
				return nil
			}
			log.Warn("kafka fetch failed", zap.Error(err), zap.Duration("retry_in", fetchBackoff))
			if !sleepWithContext(ctx, fetchBackoff) {
				return nil
			}
			fetchBackoff = s.policy.next(fetchBackoff)
			continue
		}
		fetchBackoff = s.policy.first()

		onError := func(m Message, err error) {
			log.Warn("handler failed, redelivering",
				zap.String("key", m.Key),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Int("attempt", m.Attempt),
				zap.Error(err))
		}
		acked := deliver(ctx, handler, Message{Key: string(msg.Key), Value: msg.Value}, s.policy, onError)
		if !acked {
			// Not committed; the group redelivers it after rebalance or restart.
			return nil
		}
		s.commit(log, consumer, msg)
	}
}

func (s *KafkaSubscriber) commit(log *zap.Logger, consumer kafkaConsumer, msg kafkago.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.commitTimeout)
	defer cancel()
	if err := consumer.CommitMessages(ctx, msg); err != nil {
		log.Warn("offset commit failed",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}

// Close closes every reader started by Run.
func (s *KafkaSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, c := range s.consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.consumers = nil
	return errors.Join(errs...)
}
