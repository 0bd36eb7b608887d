package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/changefeed"
	"github.com/estatedesk/estatesync/internal/checkpoint"
	"github.com/estatedesk/estatesync/internal/config"
	"github.com/estatedesk/estatesync/internal/remote"
	"github.com/estatedesk/estatesync/internal/remote/hasura"
	"github.com/estatedesk/estatesync/internal/remote/memory"
	"github.com/estatedesk/estatesync/internal/remote/postgres"
	"github.com/estatedesk/estatesync/internal/remote/sqlite"
	"github.com/estatedesk/estatesync/internal/resource"
)

// Backend is an opened data service plus the feed that webhook events are
// published to. Feed is nil for drivers with a native change feed.
type Backend struct {
	Service remote.Service
	Feed    changefeed.Feed
	Limiter *remote.RateLimiter
}

// OpenBackend builds the remote.Service selected by cfg.Backend.Driver and
// wraps it with rate limiting (network drivers) and request metrics.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*Backend, error) {
	log := logger.WithField("driver", cfg.Backend.Driver)
	limiter := remote.NewRateLimiter(cfg.Backend.MaxRequestsPerSecond, cfg.Backend.BurstRequestsPerSecond,
		log.WithField("component", "rate_limiter"))

	var (
		svc  remote.Service
		feed changefeed.Feed
		err  error
	)
	switch cfg.Backend.Driver {
	case config.DriverMemory, config.DriverSQLite:
		feed, err = openFeed(cfg, log)
		if err != nil {
			return nil, err
		}
		if cfg.Backend.Driver == config.DriverMemory {
			svc = memory.New(log, memory.WithFeed(feed))
		} else {
			svc, err = sqlite.Open(cfg.Backend.SQLitePath, resource.Tables(), feed, log)
			if err != nil {
				_ = feed.Close()
				return nil, fmt.Errorf("opening sqlite backend: %w", err)
			}
		}
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, cfg.Backend.DSN, resource.Tables(), log)
		if err != nil {
			return nil, fmt.Errorf("opening postgres backend: %w", err)
		}
		svc = remote.WithRateLimit(pg, limiter)
	case config.DriverHasura:
		h, err := hasura.New(hasura.Config{
			URL:          cfg.Backend.Hasura.URL,
			AdminSecret:  cfg.Backend.Hasura.AdminSecret,
			ChangeColumn: cfg.Backend.Hasura.ChangeColumn,
			IDType:       cfg.Backend.Hasura.IDType,
			Schema:       resource.Schema(),
			Limiter:      limiter,
			Timeout:      cfg.Backend.RequestTimeout(),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("creating hasura backend: %w", err)
		}
		svc = remote.WithRateLimit(h, limiter)
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}

	log.Info("backend opened")
	return &Backend{
		Service: remote.Instrument(svc, cfg.Backend.Driver),
		Feed:    feed,
		Limiter: limiter,
	}, nil
}

// openFeed returns the Redis feed when Redis is configured, otherwise an
// in-process hub.
func openFeed(cfg *config.Config, logger *logrus.Entry) (changefeed.Feed, error) {
	if cfg.Redis.URL == "" {
		logger.Info("using in-process change feed")
		return changefeed.NewHub(logger), nil
	}
	f, err := changefeed.NewRedisFeed(cfg.Redis.URL, cfg.Redis.Channel, logger)
	if err != nil {
		return nil, fmt.Errorf("creating redis change feed: %w", err)
	}
	logger.WithField("channel", cfg.Redis.Channel).Info("using Redis change feed")
	return f, nil
}

// openCheckpoints returns the Redis checkpoint store when Redis is
// configured, otherwise an in-memory one.
func openCheckpoints(cfg *config.Config, logger *logrus.Entry) (checkpoint.Store, error) {
	if cfg.Redis.URL == "" {
		logger.Info("using in-memory checkpoint store")
		return checkpoint.NewMemoryStore(), nil
	}
	rs, err := checkpoint.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("creating redis checkpoint store: %w", err)
	}
	logger.Info("using Redis checkpoint store")
	return rs, nil
}
