package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/syncot/contentcore"
)

// Redis is a cross-process contentcore.PubSub backed by Redis Pub/Sub.
// Redis multiplexes any number of concurrent Subscribe calls onto a single
// underlying *redis.PubSub per channel, fanning out to every registered
// handler, since contentcore's PubSub contract expects ordinary
// multi-subscriber fan-out rather than one subscriber per channel.
type Redis struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*redisTopic
	closed bool
}

type redisTopic struct {
	ps       *redis.PubSub
	cancel   context.CancelFunc
	handlers map[uint64]func(payload []byte)
	nextID   uint64
}

// NewRedis wraps an already-connected *redis.Client. The client is owned by
// the caller; Close does not close it.
func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		logger: logger,
		topics: make(map[string]*redisTopic),
	}
}

// Subscribe implements contentcore.PubSub.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (contentcore.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("pubsub: redis bus is closed")
	}

	topic, ok := r.topics[channel]
	if !ok {
		subCtx, cancel := context.WithCancel(context.Background())
		topic = &redisTopic{
			ps:       r.client.Subscribe(subCtx, channel),
			cancel:   cancel,
			handlers: make(map[uint64]func(payload []byte)),
		}
		r.topics[channel] = topic
		go r.pump(subCtx, channel, topic)
	}

	topic.nextID++
	id := topic.nextID
	topic.handlers[id] = handler

	return &redisSubscription{bus: r, channel: channel, id: id}, nil
}

// pump runs in its own goroutine per channel, delivering messages to every
// handler registered at delivery time.
func (r *Redis) pump(ctx context.Context, channel string, topic *redisTopic) {
	ch := topic.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.mu.Lock()
			handlers := make([]func(payload []byte), 0, len(topic.handlers))
			for _, h := range topic.handlers {
				handlers = append(handlers, h)
			}
			r.mu.Unlock()

			for _, h := range handlers {
				h([]byte(msg.Payload))
			}
		}
	}
}

// Publish implements contentcore.PubSub.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("pubsub: publish: %w", err)
	}
	return nil
}

func (r *Redis) unsubscribe(channel string, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	topic, ok := r.topics[channel]
	if !ok {
		return nil
	}
	delete(topic.handlers, id)
	if len(topic.handlers) == 0 {
		topic.cancel()
		err := topic.ps.Close()
		delete(r.topics, channel)
		if err != nil {
			return fmt.Errorf("pubsub: close channel subscription: %w", err)
		}
	}
	return nil
}

// Close implements contentcore.PubSub. The underlying *redis.Client is not
// closed; it is owned by the caller. Every channel subscription is closed
// regardless of earlier failures, and their errors are combined into one
// return value rather than surfacing only the first.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	for channel, topic := range r.topics {
		topic.cancel()
		if closeErr := topic.ps.Close(); closeErr != nil {
			r.logger.Warn("pubsub: error closing channel subscription", zap.String("channel", channel), zap.Error(closeErr))
			err = multierr.Append(err, fmt.Errorf("channel %q: %w", channel, closeErr))
		}
	}
	r.topics = make(map[string]*redisTopic)
	return err
}

type redisSubscription struct {
	bus     *Redis
	channel string
	id      uint64
	once    sync.Once
	err     error
}

func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() { s.err = s.bus.unsubscribe(s.channel, s.id) })
	return s.err
}

var _ contentcore.PubSub = (*Redis)(nil)
