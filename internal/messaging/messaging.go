// Package messaging carries draft observations from the scheduler to the
// ingestion consumer with at-least-once delivery. Messages that share a key
// are delivered in publish order.
package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Publish after the channel has been closed.
var ErrClosed = errors.New("messaging: channel closed")

// Message is one delivery. Attempt starts at 1 and grows on redelivery.
type Message struct {
	Key     string
	Value   []byte
	Attempt int
}

// Handler processes a message. A nil return acknowledges it; an error causes
// the same message to be redelivered before any later message with its key.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends keyed messages.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// Subscriber delivers messages to a handler until ctx is cancelled.
type Subscriber interface {
	Run(ctx context.Context, handler Handler) error
	Close() error
}

// RetryPolicy bounds the delay between redeliveries of a failing message.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy backs off from 200ms up to 30s.
var DefaultRetryPolicy = RetryPolicy{InitialBackoff: 200 * time.Millisecond, MaxBackoff: 30 * time.Second}

func (p RetryPolicy) first() time.Duration {
	if p.InitialBackoff <= 0 {
		return DefaultRetryPolicy.InitialBackoff
	}
	return p.InitialBackoff
}

func (p RetryPolicy) next(current time.Duration) time.Duration {
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = DefaultRetryPolicy.MaxBackoff
	}
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// deliver calls handler until it acknowledges msg or ctx ends. It reports
// whether the message was acknowledged.
func deliver(ctx context.Context, handler Handler, msg Message, policy RetryPolicy, onError func(Message, error)) bool {
	backoff := policy.first()
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		msg.Attempt = attempt
		err := handler(ctx, msg)
		if err == nil {
			return true
		}
		if onError != nil {
			onError(msg, err)
		}
		if !sleepWithContext(ctx, backoff) {
			return false
		}
		backoff = policy.next(backoff)
	}
}
