package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// GuardStatusCache keeps the last daily guard status as JSON so the HTTP
// surface and other instances can read it without recomputing.
type GuardStatusCache struct {
	c   *Client
	ttl time.Duration
}

// NewGuardStatusCache creates a GuardStatusCache. A zero ttl keeps the entry
// until overwritten.
func NewGuardStatusCache(c *Client, ttl time.Duration) *GuardStatusCache {
	return &GuardStatusCache{c: c, ttl: ttl}
}

// SetGuardStatus overwrites the cached status.
func (gc *GuardStatusCache) SetGuardStatus(ctx context.Context, status domain.GuardStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redis: marshal guard status: %w", err)
	}
	if err := gc.c.rdb.Set(ctx, gc.c.Key("guard", "status"), data, gc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set guard status: %w", err)
	}
	return nil
}

// GetGuardStatus returns the cached status or domain.ErrNotFound.
func (gc *GuardStatusCache) GetGuardStatus(ctx context.Context) (domain.GuardStatus, error) {
	data, err := gc.c.rdb.Get(ctx, gc.c.Key("guard", "status")).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.GuardStatus{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.GuardStatus{}, fmt.Errorf("redis: get guard status: %w", err)
	}
	var status domain.GuardStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return domain.GuardStatus{}, fmt.Errorf("redis: unmarshal guard status: %w", err)
	}
	return status, nil
}

var _ domain.GuardStatusCache = (*GuardStatusCache)(nil)
