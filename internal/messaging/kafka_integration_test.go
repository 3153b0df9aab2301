//go:build integration

package messaging

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap"
)

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("weather-ingestion-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(c) })

	brokers, err := c.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string, partitions int) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}))
}

func TestKafka_PublishSubscribeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, "weather-observations", 3)

	cfg := KafkaConfig{
		Brokers:   []string{broker},
		Topic:     "weather-observations",
		GroupID:   "weather-ingestion-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		Consumers: 2,
	}
	pub := NewKafkaPublisher(cfg)
	defer pub.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, pub.Publish(ctx, "Berlin", []byte(strconv.Itoa(i))))
	}

	sub := NewKafkaSubscriber(cfg, fastRetry, zap.NewNop())
	defer sub.Close()

	var mu sync.Mutex
	var got []string
	failed := false
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(runCtx, func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			if string(msg.Value) == "4" && !failed {
				failed = true
				return assert.AnError
			}
			got = append(got, string(msg.Value))
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, time.Minute, 100*time.Millisecond)
	stop()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, got)
}
