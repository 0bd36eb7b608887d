// Package checkpoint records when each (table, filter) collection was last
// successfully synchronized.
package checkpoint

import (
	"context"
	"time"
)

// Store persists last-synced timestamps keyed by resource.Key.
type Store interface {
	// GetLastUpdated returns the last successful sync time for key, or the
	// zero time if none was recorded.
	GetLastUpdated(ctx context.Context, key string) (time.Time, error)
	// SetLastUpdated records the last successful sync time for key.
	SetLastUpdated(ctx context.Context, key string, t time.Time) error
	// All returns every recorded key and time.
	All(ctx context.Context) (map[string]time.Time, error)
	// Close releases any resources held by the store.
	Close() error
}
