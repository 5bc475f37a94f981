// This file defines the PubSub interface the development server fans
// broadcasts and presence diffs through, and the in-memory implementation
// used by single-node setups.

package devserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// PubSub defines the interface for publish-subscribe messaging systems.
// Implementations let several server nodes share channel broadcasts and
// presence.
type PubSub interface {
	// Subscribe registers a handler for messages matching pattern. A
	// pattern ending in ".*" matches every topic with that prefix.
	Subscribe(pattern string, handler func(topic string, data []byte)) error

	// Unsubscribe removes all handlers for pattern.
	Unsubscribe(pattern string) error

	// Publish sends data to every handler whose pattern matches topic.
	Publish(topic string, data []byte) error

	Close() error
}

var errPubSubClosed = errors.New("pubsub: closed")

func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}

func formatTopic(prefix, channel, event string) string {
	return fmt.Sprintf("%s:%s.%s", prefix, channel, event)
}

func channelPattern(prefix string) string {
	return prefix + ":.*"
}

type localMessage struct {
	topic string
	data  []byte
}

type localSubscription struct {
	pattern string
	handler func(topic string, data []byte)
	ch      chan localMessage
	cancel  context.CancelFunc
}

// LocalPubSub delivers messages in process. Each subscription has its own
// buffered queue and goroutine, so handlers see messages in publish order.
type LocalPubSub struct {
	mu         sync.RWMutex
	subs       map[string][]*localSubscription
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	bufferSize int
}

// NewLocalPubSub creates an in-memory PubSub. bufferSize <= 0 means 100.
func NewLocalPubSub(ctx context.Context, bufferSize int) *LocalPubSub {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	pubsubCtx, cancel := context.WithCancel(ctx)

	return &LocalPubSub{
		subs:       make(map[string][]*localSubscription),
		ctx:        pubsubCtx,
		cancel:     cancel,
		bufferSize: bufferSize,
	}
}

func (l *LocalPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errPubSubClosed
	}
	subCtx, cancel := context.WithCancel(l.ctx)

	sub := &localSubscription{
		pattern: pattern,
		handler: handler,
		ch:      make(chan localMessage, l.bufferSize),
		cancel:  cancel,
	}
	l.subs[pattern] = append(l.subs[pattern], sub)

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-sub.ch:
				sub.handler(msg.topic, msg.data)
			}
		}
	}()

	return nil
}

func (l *LocalPubSub) Unsubscribe(pattern string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errPubSubClosed
	}
	subs, ok := l.subs[pattern]
	if !ok {
		return fmt.Errorf("pubsub: pattern %s not subscribed", pattern)
	}
	for _, sub := range subs {
		sub.cancel()
	}
	delete(l.subs, pattern)

	return nil
}

func (l *LocalPubSub) Publish(topic string, data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return errPubSubClosed
	}
	for pattern, subs := range l.subs {
		if !matchTopic(pattern, topic) {
			continue
		}
		for _, sub := range subs {
			select {
			case sub.ch <- localMessage{topic: topic, data: data}:
			case <-l.ctx.Done():
				return errPubSubClosed
			}
		}
	}
	return nil
}

func (l *LocalPubSub) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()
	l.subs = make(map[string][]*localSubscription)

	return nil
}
