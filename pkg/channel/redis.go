package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis carries messages over a redis pub/sub topic. Any number of
// processes may publish; each subscriber sees every message published after
// it subscribed.
type Redis struct {
	client   *redis.Client
	topic    string
	pubsub   *redis.PubSub
	msgs     <-chan *redis.Message
	producer *producer
	logger   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedis subscribes to topic and waits for the subscription to be
// confirmed, so messages published after it returns are not missed.
func NewRedis(ctx context.Context, client *redis.Client, topic string, logger *slog.Logger) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("redis topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pubsub := client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}

	return &Redis{
		client:   client,
		topic:    topic,
		pubsub:   pubsub,
		msgs:     pubsub.Channel(),
		producer: newProducer(),
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Send publishes msg to the topic.
func (r *Redis) Send(ctx context.Context, msg Message) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(r.producer.stamp(msg))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.Publish(ctx, r.topic, data).Err(); err != nil {
		return fmt.Errorf("publish %q: %w", r.topic, err)
	}
	return nil
}

// Receive returns the next well-formed message. Malformed payloads are
// logged and skipped.
func (r *Redis) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case <-r.done:
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case m, ok := <-r.msgs:
			if !ok {
				return Message{}, ErrClosed
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.logger.Warn("dropping malformed redis message", "topic", r.topic, "bytes", len(m.Payload), "error", err)
				continue
			}
			return msg, nil
		}
	}
}

// Close unsubscribes. The client stays open; its owner closes it.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.pubsub.Close()
	})
	return err
}
