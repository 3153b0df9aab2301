package messaging

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// MemoryChannel is an in-process channel with a fixed number of partitions.
// A key always maps to the same partition and each partition is drained by a
// single goroutine, so per-key order is preserved. Messages still buffered
// when the process exits are lost.
type MemoryChannel struct {
	partitions []chan Message
	policy     RetryPolicy
	logger     *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ Publisher  = (*MemoryChannel)(nil)
	_ Subscriber = (*MemoryChannel)(nil)
)

// NewMemoryChannel creates a channel with the given partition count and
// per-partition buffer.
func NewMemoryChannel(partitions, buffer int, policy RetryPolicy, logger *zap.Logger) *MemoryChannel {
	if partitions < 1 {
		partitions = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	c := &MemoryChannel{
		partitions: make([]chan Message, partitions),
		policy:     policy,
		logger:     logger,
		done:       make(chan struct{}),
	}
	for i := range c.partitions {
		c.partitions[i] = make(chan Message, buffer)
	}
	return c
}

func (c *MemoryChannel) partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(c.partitions)))
}

// Publish enqueues a message on the key's partition, blocking while the
// partition buffer is full.
func (c *MemoryChannel) Publish(ctx context.Context, key string, value []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	msg := Message{Key: key, Value: value}
	select {
	case c.partitions[c.partition(key)] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Run drains every partition until ctx is cancelled or the channel is closed.
func (c *MemoryChannel) Run(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	for i, ch := range c.partitions {
		wg.Add(1)
		go func(partition int, ch <-chan Message) {
			defer wg.Done()
			c.drain(ctx, partition, ch, handler)
		}(i, ch)
	}
	wg.Wait()
	return nil
}

func (c *MemoryChannel) drain(ctx context.Context, partition int, ch <-chan Message, handler Handler) {
	onError := func(msg Message, err error) {
		c.logger.Warn("handler failed, redelivering",
			zap.Int("partition", partition),
			zap.String("key", msg.Key),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if !deliver(ctx, handler, msg, c.policy, onError) {
				return
			}
		}
	}
}

// Close stops consumers and rejects further publishes.
func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
