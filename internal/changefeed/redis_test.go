package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estatedesk/estatesync/internal/remote"
)

// unreachableFeed points at a port nothing listens on.
func unreachableFeed(t *testing.T) *RedisFeed {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	f := NewRedisFeedFromClient(client, "", testLogger())
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestRedisFeedDefaultsChannel(t *testing.T) {
	f := unreachableFeed(t)
	assert.Equal(t, DefaultRedisChannel, f.channel)
}

func TestRedisFeedPublishFailureIsTransport(t *testing.T) {
	f := unreachableFeed(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := f.Publish(ctx, remote.Event{Kind: remote.EventInsert, Table: "bills"})
	require.Error(t, err)
	assert.True(t, remote.IsTransport(err))
}

func TestRedisFeedSubscribeFailureIsTransport(t *testing.T) {
	f := unreachableFeed(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := f.Subscribe(ctx, "bills", func(remote.Event) {})
	require.Error(t, err)
	assert.True(t, remote.IsTransport(err))
}

func TestNewRedisFeedRejectsBadURL(t *testing.T) {
	_, err := NewRedisFeed("http://not-redis", "", testLogger())
	assert.ErrorContains(t, err, "parsing redis URL")
}
