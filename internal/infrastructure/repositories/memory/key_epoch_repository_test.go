package memory

import (
	"context"
	"sync"
	"testing"

	"voxrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKeyEpochRepository_Sequence(t *testing.T) {
	repo := NewMemoryKeyEpochRepository()
	ctx := context.Background()

	id, err := repo.Current(ctx, "general")
	require.NoError(t, err)
	assert.Zero(t, id)

	for want := domain.KeyID(1); want <= 3; want++ {
		id, err = repo.Next(ctx, "general")
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	id, err = repo.Current(ctx, "lounge")
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestMemoryKeyEpochRepository_ObserveOnlyRaises(t *testing.T) {
	repo := NewMemoryKeyEpochRepository()
	ctx := context.Background()

	require.NoError(t, repo.Observe(ctx, "general", 10))
	require.NoError(t, repo.Observe(ctx, "general", 4))
	id, _ := repo.Current(ctx, "general")
	assert.Equal(t, domain.KeyID(10), id)

	id, _ = repo.Next(ctx, "general")
	assert.Equal(t, domain.KeyID(11), id)
	assert.NoError(t, repo.Ping(ctx))
}

func TestMemoryKeyEpochRepository_ConcurrentNextIsUnique(t *testing.T) {
	repo := NewMemoryKeyEpochRepository()
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen = make(map[domain.KeyID]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := repo.Next(ctx, "general")
			assert.NoError(t, err)
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}
