package monitoring

import (
	"context"
	"time"

	"voxrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddKeyEpochCheck verifies the key epoch store answers. Without it no
// channel can be opened.
func (h *HealthChecker) AddKeyEpochCheck(repo ports.KeyEpochRepository, timeout time.Duration) {
	h.AddCheck("key_epochs", repo.Ping, timeout)
}
