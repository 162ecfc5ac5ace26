package repositories

import (
	"context"

	"voxrelay/internal/core/ports"
	"voxrelay/internal/infrastructure/repositories/memory"
	redisrepo "voxrelay/internal/infrastructure/repositories/redis"
	"voxrelay/pkg/circuitbreaker"
	"voxrelay/pkg/config"
	"voxrelay/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// in-memory storage when it cannot.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories; key epochs are local to this node")
	}

	return factory
}

func (f *RepositoryFactory) CreateKeyEpochRepository() ports.KeyEpochRepository {
	if f.useRedis && f.redisClient != nil {
		return NewResilientKeyEpochRepository(
			redisrepo.NewRedisKeyEpochRepository(f.redisClient),
			circuitbreaker.New(circuitbreaker.DefaultConfig()),
			retry.DefaultConfig(),
			f.logger,
		)
	}
	return memory.NewMemoryKeyEpochRepository()
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
