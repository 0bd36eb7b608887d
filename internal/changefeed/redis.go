package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/remote"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "estatesync:changes"

// RedisFeed shares change events between processes over Redis pub/sub.
type RedisFeed struct {
	client  *redis.Client
	channel string
	logger  *logrus.Entry
}

var _ Feed = (*RedisFeed)(nil)

// NewRedisFeed connects to the Redis server at url. The URL is parsed with
// redis.ParseURL so it supports redis:// and rediss:// schemes.
func NewRedisFeed(url, channel string, logger *logrus.Entry) (*RedisFeed, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisFeedFromClient(client, channel, logger), nil
}

// NewRedisFeedFromClient wraps an existing client.
func NewRedisFeedFromClient(client *redis.Client, channel string, logger *logrus.Entry) *RedisFeed {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisFeed{
		client:  client,
		channel: channel,
		logger:  logger.WithFields(logrus.Fields{"component": "changefeed_redis", "channel": channel}),
	}
}

// Publish sends ev to every subscribed process, including this one.
func (f *RedisFeed) Publish(ctx context.Context, ev remote.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding change event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return remote.NewTransportError("publish", ev.Table, err)
	}
	return nil
}

// Subscribe opens a dedicated pub/sub connection and delivers events whose
// table matches. The subscription is dropped if the message channel closes
// without an Unsubscribe.
func (f *RedisFeed) Subscribe(ctx context.Context, table string, fn func(remote.Event)) (remote.Subscription, error) {
	ps := f.client.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, remote.NewTransportError("subscribe", table, err)
	}

	handle := NewHandle(fn, func() { _ = ps.Close() })
	log := f.logger.WithField("table", table)

	go func() {
		for msg := range ps.Channel() {
			var ev remote.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.WithError(err).Warn("ignoring malformed change event")
				continue
			}
			if ev.Table != table {
				continue
			}
			handle.Deliver(ev)
		}
		if !handle.Closed() {
			handle.Drop(errors.New("redis pub/sub channel closed"))
			log.Warn("redis subscription dropped")
		}
	}()
	return handle, nil
}

// Close closes the Redis client.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}
