package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/infrastructure/repositories/memory"
	"voxrelay/pkg/circuitbreaker"
	"voxrelay/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errStoreDown = errors.New("store down")

// flakyEpochs fails the first failures calls and then delegates.
type flakyEpochs struct {
	*memory.MemoryKeyEpochRepository
	failures int
	calls    int
}

func (f *flakyEpochs) Next(ctx context.Context, channel domain.ChannelID) (domain.KeyID, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, errStoreDown
	}
	return f.MemoryKeyEpochRepository.Next(ctx, channel)
}

func newFlaky(failures int) *flakyEpochs {
	return &flakyEpochs{
		MemoryKeyEpochRepository: memory.NewMemoryKeyEpochRepository().(*memory.MemoryKeyEpochRepository),
		failures:                 failures,
	}
}

func quickRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestResilientKeyEpochRepository_RetriesTransientFailure(t *testing.T) {
	inner := newFlaky(2)
	repo := NewResilientKeyEpochRepository(inner, circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 5, OpenTimeout: time.Minute}), quickRetry(), zap.NewNop().Sugar())

	id, err := repo.Next(context.Background(), "general")
	require.NoError(t, err)
	assert.Equal(t, domain.KeyID(1), id)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientKeyEpochRepository_OpenCircuitFailsFast(t *testing.T) {
	inner := newFlaky(100)
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 3, OpenTimeout: time.Minute})
	repo := NewResilientKeyEpochRepository(inner, breaker, quickRetry(), zap.NewNop().Sugar())

	_, err := repo.Next(context.Background(), "general")
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, circuitbreaker.StateOpen, repo.BreakerState())

	_, err = repo.Next(context.Background(), "general")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 3, inner.calls)

	assert.NoError(t, repo.Ping(context.Background()))
}

func TestResilientKeyEpochRepository_Delegates(t *testing.T) {
	repo := NewResilientKeyEpochRepository(memory.NewMemoryKeyEpochRepository(), circuitbreaker.New(circuitbreaker.DefaultConfig()), quickRetry(), zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, repo.Observe(ctx, "general", 7))
	id, err := repo.Current(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, domain.KeyID(7), id)
}
