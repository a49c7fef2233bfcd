// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events provides the runtime's typed publish/subscribe bus.
//
// Delivery is synchronous on the publisher's goroutine: Publish invokes
// every matching handler once, in subscription order, before returning.
// A panicking handler is isolated (recovered and logged); its peers still
// run. Topics are dotted strings; subscriptions may use a leading or
// trailing "*" segment ("Agent.*", "*.failed") or "*" alone.
package events

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single published message.
type Event struct {
	// Topic is the dotted topic the event was published on.
	Topic string

	// Payload is the event data. Type depends on the topic.
	Payload any

	// Timestamp is when the event was published.
	Timestamp time.Time
}

// Handler processes events. Handlers are called synchronously during
// Publish; a handler that panics does not affect its peers.
type Handler func(event Event)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus is an N:M topic broker with synchronous delivery.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates a bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With(slog.String("component", "events")),
	}
}

// Subscribe registers a handler for topics matching pattern and returns an
// idempotent unsubscribe function.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	sub := &subscription{
		id:      atomic.AddUint64(&b.nextID, 1),
		pattern: pattern,
		handler: handler,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == sub.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers the payload to every subscriber whose pattern matches
// topic. Delivery order follows subscription order, which makes events on a
// single topic FIFO for any given subscriber.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.logger.Debug("publish", slog.String("topic", topic), slog.Int("subscribers", len(matched)))

	for _, sub := range matched {
		b.dispatch(sub, event)
	}
}

// dispatch invokes a single handler with panic isolation.
func (b *Bus) dispatch(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				slog.String("topic", event.Topic),
				slog.String("pattern", sub.pattern),
				slog.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// MatchTopic reports whether a dotted topic matches a subscription pattern.
// "*" matches every topic. A trailing "*" segment matches one or more
// remaining segments ("scheduler.*" matches "scheduler.task.completed");
// a leading "*" segment matches one or more preceding segments ("*.failed"
// matches "workflow.step.failed"). Patterns without a wildcard match
// exactly.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == "*" {
		return true
	}

	if rest, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, rest+".")
	}
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(topic, "."+rest)
	}

	return false
}
