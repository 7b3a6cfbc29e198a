package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented cache with per-entry TTLs. The authorization
// engine uses it for materialized effective permissions.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
