// Package pubsub provides in-process and Redis-backed implementations of
// contentcore.PubSub.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/syncot/contentcore"
)

// Local is an in-process contentcore.PubSub backed by a map of channel to
// subscriber list. Publish delivers synchronously in the caller's goroutine,
// so slow handlers add backpressure to the publisher; Backend's work loop
// is expected to run fast, buffering handlers itself (see OperationStream).
type Local struct {
	mu     sync.RWMutex
	topics map[string][]*localSub
	nextID uint64
	closed bool
}

type localSub struct {
	id      uint64
	channel string
	handler func(payload []byte)
}

// NewLocal creates an empty Local bus.
func NewLocal() *Local {
	return &Local{topics: make(map[string][]*localSub)}
}

// Subscribe implements contentcore.PubSub.
func (l *Local) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (contentcore.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("pubsub: local bus is closed")
	}

	l.nextID++
	sub := &localSub{id: l.nextID, channel: channel, handler: handler}
	l.topics[channel] = append(l.topics[channel], sub)

	return &localSubscription{bus: l, sub: sub}, nil
}

// Publish implements contentcore.PubSub. Handlers are invoked sequentially
// under a read lock; a handler that blocks delays every other subscriber of
// the same bus, so callers should keep handlers non-blocking.
func (l *Local) Publish(ctx context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return fmt.Errorf("pubsub: local bus is closed")
	}

	for _, sub := range l.topics[channel] {
		sub.handler(payload)
	}
	return nil
}

// Close implements contentcore.PubSub.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.topics = make(map[string][]*localSub)
	return nil
}

func (l *Local) unsubscribe(sub *localSub) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := l.topics[sub.channel]
	for i, s := range subs {
		if s == sub {
			l.topics[sub.channel] = append(subs[:i], subs[i+1:]...)
			if len(l.topics[sub.channel]) == 0 {
				delete(l.topics, sub.channel)
			}
			return nil
		}
	}
	return nil
}

type localSubscription struct {
	bus  *Local
	sub  *localSub
	once sync.Once
}

func (s *localSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.bus.unsubscribe(s.sub) })
	return err
}

var _ contentcore.PubSub = (*Local)(nil)
