package bridge

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSubscriber implements Subscriber over a Redis pub/sub channel.
type redisSubscriber struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
}

// NewRedisSubscriber creates a Subscriber for one Redis channel. The
// client is owned by the caller; only the subscription handle is managed
// here.
func NewRedisSubscriber(client *redis.Client, channel string) Subscriber {
	return &redisSubscriber{
		client:  client,
		channel: channel,
	}
}

// Subscribe opens the subscription and waits for the server confirmation
// so a dead server surfaces here rather than on the first receive.
func (s *redisSubscriber) Subscribe(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}
	s.pubsub = pubsub
	return nil
}

// Receive waits up to timeout for the next published message.
func (s *redisSubscriber) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if s.pubsub == nil {
		return nil, ErrNotSubscribed
	}

	msg, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrReceiveTimeout
		}
		return nil, err
	}

	switch m := msg.(type) {
	case *redis.Message:
		return []byte(m.Payload), nil
	default:
		// Subscription confirmations and pongs carry no payload; treat
		// them like an empty interval.
		return nil, ErrReceiveTimeout
	}
}

// Close tears down the current subscription handle.
func (s *redisSubscriber) Close() error {
	if s.pubsub == nil {
		return nil
	}
	pubsub := s.pubsub
	s.pubsub = nil
	return pubsub.Close()
}
