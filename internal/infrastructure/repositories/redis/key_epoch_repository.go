package redis

import (
	"context"
	"errors"
	"fmt"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const epochKeyPrefix = "voxrelay:keys:epoch:"

// raiseScript sets the counter to ARGV[1] unless it is already at least
// that high.
var raiseScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local wanted = tonumber(ARGV[1])
if wanted > current then
	redis.call("SET", KEYS[1], wanted)
	return wanted
end
return current
`)

// RedisKeyEpochRepository shares key ids between relay nodes. INCR makes
// Next atomic across nodes.
type RedisKeyEpochRepository struct {
	client *redis.Client
}

func NewRedisKeyEpochRepository(client *redis.Client) ports.KeyEpochRepository {
	return &RedisKeyEpochRepository{client: client}
}

func epochKey(channel domain.ChannelID) string {
	return epochKeyPrefix + string(channel)
}

func (r *RedisKeyEpochRepository) Current(ctx context.Context, channel domain.ChannelID) (domain.KeyID, error) {
	val, err := r.client.Get(ctx, epochKey(channel)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read key epoch: %w", err)
	}
	return domain.KeyID(val), nil
}

func (r *RedisKeyEpochRepository) Next(ctx context.Context, channel domain.ChannelID) (domain.KeyID, error) {
	val, err := r.client.Incr(ctx, epochKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance key epoch: %w", err)
	}
	return domain.KeyID(val), nil
}

func (r *RedisKeyEpochRepository) Observe(ctx context.Context, channel domain.ChannelID, id domain.KeyID) error {
	if err := raiseScript.Run(ctx, r.client, []string{epochKey(channel)}, uint32(id)).Err(); err != nil {
		return fmt.Errorf("failed to record key epoch: %w", err)
	}
	return nil
}

func (r *RedisKeyEpochRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
