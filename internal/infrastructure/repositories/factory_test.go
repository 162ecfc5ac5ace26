package repositories

import (
	"context"
	"testing"

	"voxrelay/internal/infrastructure/repositories/memory"
	"voxrelay/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRepositoryFactory_MemoryWhenRedisDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	assert.Nil(t, f.RedisClient())
	assert.IsType(t, &memory.MemoryKeyEpochRepository{}, f.CreateKeyEpochRepository())
	require.NoError(t, f.HealthCheck(context.Background()))
	require.NoError(t, f.Close())
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	assert.Nil(t, f.RedisClient())
	assert.IsType(t, &memory.MemoryKeyEpochRepository{}, f.CreateKeyEpochRepository())
}
