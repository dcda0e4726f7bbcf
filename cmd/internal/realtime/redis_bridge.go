package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	feedv1 "supporthub/shared/contracts/changefeed/v1"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel shared by all instances.
const DefaultRedisChannel = "supporthub:feed"

// RedisBridge shares change events between instances over Redis pub/sub.
// Local events are published to the local hub and to Redis; remote events
// are republished to the local hub. Events tagged with this bridge's origin
// are dropped on receipt so nothing is delivered twice.
type RedisBridge struct {
	log     *slog.Logger
	hub     *Hub
	rdb     *redis.Client
	channel string
	origin  string
	metrics *FeedMetrics

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisBridge constructs a bridge. origin must be unique per instance.
func NewRedisBridge(log *slog.Logger, hub *Hub, rdb *redis.Client, channel, origin string, metrics *FeedMetrics) (*RedisBridge, error) {
	if hub == nil || rdb == nil {
		return nil, errors.New("realtime: redis bridge requires hub and client")
	}
	if origin == "" {
		return nil, errors.New("realtime: redis bridge requires an origin")
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBridge{
		log:     log,
		hub:     hub,
		rdb:     rdb,
		channel: channel,
		origin:  origin,
		metrics: metrics,
		ready:   make(chan struct{}),
	}, nil
}

// Origin returns the instance tag stamped on local events.
func (b *RedisBridge) Origin() string { return b.origin }

// Ready is closed once the bridge is subscribed.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Publish delivers ev locally and forwards it to the other instances.
func (b *RedisBridge) Publish(ctx context.Context, ev feedv1.Event) error {
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	if err := b.hub.Publish(ctx, ev); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run consumes remote events until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	for {
		err := b.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.metrics.reconnect("redis")
		b.log.Warn("feed.redis.consume_failed", "channel", b.channel, "err", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (b *RedisBridge) consume(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.Info("feed.redis.subscribed", "channel", b.channel, "origin", b.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			ev, err := feedv1.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				b.metrics.rejected()
				b.log.Warn("feed.redis.bad_payload", "err", err)
				continue
			}
			if ev.Origin == b.origin {
				continue
			}
			if err := b.hub.Publish(ctx, ev); err != nil {
				b.log.Warn("feed.redis.publish_failed", "table", ev.Table, "err", err)
			}
		}
	}
}
