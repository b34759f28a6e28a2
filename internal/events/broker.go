// Package events fans campaign lifecycle and delivery events out to live
// observers. Delivery is best effort: slow consumers lose events instead of
// slowing down the publisher, and nothing is replayed.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

const (
	subscriberBuffer = 64
	observerBuffer   = 256
)

// subscription represents a single subscriber channel with its filter.
type subscription struct {
	ch     chan *core.Event
	filter func(*core.Event) bool
	once   sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// observer runs a callback on its own goroutine so a slow or panicking
// callback only affects itself.
type observer struct {
	name string
	fn   func(*core.Event)
	ch   chan *core.Event
	done chan struct{}
	once sync.Once
}

func (o *observer) stop() {
	o.once.Do(func() { close(o.ch) })
}

// Broker implements core.EventPublisher and core.EventSubscriber using
// in-memory fan-out.
type Broker struct {
	mu        sync.RWMutex
	subs      map[*subscription]struct{}
	observers map[*observer]struct{}
	closed    bool
	logger    *slog.Logger
	dropped   func(kind string)
}

// NewBroker creates a new in-memory Broker.
func NewBroker() *Broker {
	return &Broker{
		subs:      make(map[*subscription]struct{}),
		observers: make(map[*observer]struct{}),
		logger:    slog.Default(),
	}
}

// SetLogger replaces the broker's logger.
func (b *Broker) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// OnDrop registers a hook invoked whenever an event is dropped for a full
// consumer. kind is "subscriber" or "observer".
func (b *Broker) OnDrop(fn func(kind string)) {
	b.mu.Lock()
	b.dropped = fn
	b.mu.Unlock()
}

// Publish delivers event to every matching subscriber and observer without
// blocking.
func (b *Broker) Publish(_ context.Context, event *core.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	for sub := range b.subs {
		if sub.filter == nil || sub.filter(event) {
			select {
			case sub.ch <- event:
			default:
				b.drop("subscriber", event)
			}
		}
	}
	for obs := range b.observers {
		select {
		case obs.ch <- event:
		default:
			b.drop("observer", event)
		}
	}
	return nil
}

func (b *Broker) drop(kind string, event *core.Event) {
	b.logger.Warn("dropping event, consumer full",
		"consumer", kind, "key", event.Key, "event", event.Type)
	if b.dropped != nil {
		b.dropped(kind)
	}
}

// SubscribeCampaign subscribes to events for a single campaign key.
func (b *Broker) SubscribeCampaign(key string) (<-chan *core.Event, func(), error) {
	return b.subscribe(func(e *core.Event) bool {
		return e.Key == key
	})
}

// SubscribeAll subscribes to all events.
func (b *Broker) SubscribeAll() (<-chan *core.Event, func(), error) {
	return b.subscribe(nil)
}

func (b *Broker) subscribe(filter func(*core.Event) bool) (<-chan *core.Event, func(), error) {
	sub := &subscription{ch: make(chan *core.Event, subscriberBuffer), filter: filter}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("event broker closed")
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.close()
	}

	return sub.ch, unsubscribe, nil
}

// Observe registers a callback for every event. Callbacks run on a
// dedicated goroutine; a panic is logged and the observer keeps running.
// The returned function removes the observer and waits for it to drain.
func (b *Broker) Observe(name string, fn func(*core.Event)) (func(), error) {
	obs := &observer{
		name: name,
		fn:   fn,
		ch:   make(chan *core.Event, observerBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event broker closed")
	}
	b.observers[obs] = struct{}{}
	b.mu.Unlock()

	go b.runObserver(obs)

	return func() {
		b.mu.Lock()
		delete(b.observers, obs)
		b.mu.Unlock()
		obs.stop()
		<-obs.done
	}, nil
}

func (b *Broker) runObserver(obs *observer) {
	defer close(obs.done)
	for event := range obs.ch {
		b.invoke(obs, event)
	}
}

func (b *Broker) invoke(obs *observer, event *core.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event observer panicked",
				"observer", obs.name, "event", event.Type, "key", event.Key, "panic", r)
		}
	}()
	obs.fn(event)
}

// Close shuts down the broker, closes every subscription and waits for
// observers to finish their queued events.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	observers := b.observers
	b.subs = make(map[*subscription]struct{})
	b.observers = make(map[*observer]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	for obs := range observers {
		obs.stop()
		<-obs.done
	}
	return nil
}

var (
	_ core.EventPublisher  = (*Broker)(nil)
	_ core.EventSubscriber = (*Broker)(nil)
)
