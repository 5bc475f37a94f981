package devserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisChannelSize bounds the messages go-redis queues for a slow receiver.
const redisChannelSize = 256

type messageHandler func(topic string, data []byte)

// RedisPubSub carries PubSub traffic over Redis PSUBSCRIBE so that several
// server nodes see each other's broadcasts and presence. Handlers run on a
// single receiving goroutine in arrival order.
type RedisPubSub struct {
	client *redis.Client
	sub    *redis.PubSub
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]messageHandler
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisPubSub pings client and starts receiving. The client stays owned
// by the caller.
func NewRedisPubSub(ctx context.Context, client *redis.Client, logger zerolog.Logger) (*RedisPubSub, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis pubsub: ping: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	r := &RedisPubSub{
		client:   client,
		sub:      client.PSubscribe(subCtx),
		logger:   logger.With().Str("component", "redis_pubsub").Logger(),
		handlers: make(map[string][]messageHandler),
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.receive(r.sub.Channel(redis.WithChannelSize(redisChannelSize)))
	return r, nil
}

func (r *RedisPubSub) Subscribe(pattern string, h func(topic string, data []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errPubSubClosed
	}
	if !r.watchedLocked(toRedisPattern(pattern)) {
		if err := r.sub.PSubscribe(r.ctx, toRedisPattern(pattern)); err != nil {
			return fmt.Errorf("redis pubsub: subscribe %s: %w", pattern, err)
		}
	}
	r.handlers[pattern] = append(r.handlers[pattern], h)
	return nil
}

func (r *RedisPubSub) Unsubscribe(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errPubSubClosed
	}
	delete(r.handlers, pattern)
	if r.watchedLocked(toRedisPattern(pattern)) {
		return nil
	}
	if err := r.sub.PUnsubscribe(r.ctx, toRedisPattern(pattern)); err != nil {
		return fmt.Errorf("redis pubsub: unsubscribe %s: %w", pattern, err)
	}
	return nil
}

// watchedLocked reports whether a registered pattern maps to the Redis
// glob. r.mu must be held.
func (r *RedisPubSub) watchedLocked(glob string) bool {
	for p := range r.handlers {
		if toRedisPattern(p) == glob {
			return true
		}
	}
	return false
}

func (r *RedisPubSub) Publish(topic string, data []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return errPubSubClosed
	}

	if err := r.client.Publish(r.ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis pubsub: publish %s: %w", topic, err)
	}
	return nil
}

// Close stops receiving. It is safe to call more than once.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	err := r.sub.Close()
	<-r.done
	if err != nil {
		return fmt.Errorf("redis pubsub: close: %w", err)
	}
	return nil
}

func (r *RedisPubSub) receive(messages <-chan *redis.Message) {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.deliver(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *RedisPubSub) deliver(topic string, data []byte) {
	r.mu.RLock()
	var matched []messageHandler
	for pattern, hs := range r.handlers {
		if matchTopic(pattern, topic) {
			matched = append(matched, hs...)
		}
	}
	r.mu.RUnlock()

	for _, h := range matched {
		r.safeCall(h, topic, data)
	}
}

func (r *RedisPubSub) safeCall(h messageHandler, topic string, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("topic", topic).Msg("handler panicked")
		}
	}()
	h(topic, data)
}

// toRedisPattern turns a trailing ".*" into the Redis glob "*".
func toRedisPattern(pattern string) string {
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		return pattern[:len(pattern)-2] + "*"
	}
	return pattern
}
