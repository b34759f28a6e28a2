package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// DefaultRedisChannel is the pub/sub channel events are mirrored on.
const DefaultRedisChannel = "ojs:campaigns:events"

const (
	outboxBuffer  = 1024
	mirrorTimeout = 2 * time.Second
)

// RedisBridge mirrors local events to a Redis channel and relays events
// published by other nodes into the local broker, so that a viewer attached
// to any node sees every campaign. Mirroring happens on Run's goroutine;
// Publish never waits for Redis.
type RedisBridge struct {
	client  *redis.Client
	channel string
	node    string
	local   *Broker
	outbox  chan *core.Event
	logger  *slog.Logger
	dropped func(kind string)
}

// NewRedisBridge wraps local. node must be unique per process; it is used to
// skip our own events when they come back from Redis.
func NewRedisBridge(client *redis.Client, channel, node string, local *Broker) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		node:    node,
		local:   local,
		outbox:  make(chan *core.Event, outboxBuffer),
		logger:  slog.Default(),
	}
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// SetLogger replaces the bridge's logger.
func (r *RedisBridge) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// OnDrop registers a hook invoked when an event is not mirrored because the
// outbox is full. kind is "redis".
func (r *RedisBridge) OnDrop(fn func(kind string)) {
	r.dropped = fn
}

// Publish delivers event locally and queues it for Redis. When the outbox
// is full the event is only delivered locally.
func (r *RedisBridge) Publish(ctx context.Context, event *core.Event) error {
	err := r.local.Publish(ctx, event)

	select {
	case r.outbox <- event:
	default:
		r.logger.Warn("dropping event, redis outbox full", "key", event.Key, "event", event.Type)
		if r.dropped != nil {
			r.dropped("redis")
		}
	}
	return err
}

// mirror drains the outbox into Redis until ctx is cancelled.
func (r *RedisBridge) mirror(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.outbox:
			if err := r.send(ctx, event); err != nil && ctx.Err() == nil {
				r.logger.Warn("failed to mirror event to redis", "key", event.Key, "event", event.Type, "error", err)
			}
		}
	}
}

func (r *RedisBridge) send(ctx context.Context, event *core.Event) error {
	payload, err := r.encode(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event to redis: %w", err)
	}
	return nil
}

func (r *RedisBridge) encode(event *core.Event) ([]byte, error) {
	out := *event
	out.Origin = r.node
	payload, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return payload, nil
}

// Run mirrors queued local events to Redis and relays remote events into
// the local broker until ctx is cancelled. A failed subscription stops both.
func (r *RedisBridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.mirror(ctx)
		return nil
	})
	g.Go(func() error {
		return r.relayAll(ctx)
	})
	return g.Wait()
}

func (r *RedisBridge) relayAll(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relaying campaign events from redis", "channel", r.channel, "node", r.node)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.relay(ctx, msg.Payload)
		}
	}
}

func (r *RedisBridge) relay(ctx context.Context, payload string) {
	var event core.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Warn("discarding malformed event from redis", "error", err)
		return
	}
	if event.Origin == r.node {
		return
	}
	_ = r.local.Publish(ctx, &event)
}

// Close closes the Redis client. The local broker is owned by the caller.
func (r *RedisBridge) Close() error {
	return r.client.Close()
}

var _ core.EventPublisher = (*RedisBridge)(nil)
