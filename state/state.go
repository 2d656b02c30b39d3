// Package state keeps small pieces of shared state, such as the latest
// published performance report, either in process or in Valkey so several
// proxy instances can see each other's results.
package state

import (
	"context"
	"time"
)

type Store interface {
	// Reports whether the action named by key may run now, at most once per
	// interval. If not, returns false and the duration to wait before retrying.
	Allow(ctx context.Context, key string, interval time.Duration) (bool, time.Duration, error)

	// Saves the value under the key for the given duration.
	Save(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Loads the value saved under the key. Returns nil without an error if
	// nothing was saved.
	Load(ctx context.Context, key string) ([]byte, error)
}

// Key namespaces a key for this service. E.g., Key("report", "latest") is
// "failover:report:latest".
func Key(parts ...string) string {
	key := keyPrefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

const keyPrefix = "failover"
