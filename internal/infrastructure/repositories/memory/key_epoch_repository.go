package memory

import (
	"context"
	"sync"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
)

// MemoryKeyEpochRepository keeps key ids in process. It is only correct for
// a single relay node.
type MemoryKeyEpochRepository struct {
	epochs map[domain.ChannelID]domain.KeyID
	mu     sync.Mutex
}

func NewMemoryKeyEpochRepository() ports.KeyEpochRepository {
	return &MemoryKeyEpochRepository{
		epochs: make(map[domain.ChannelID]domain.KeyID),
	}
}

func (r *MemoryKeyEpochRepository) Current(ctx context.Context, channel domain.ChannelID) (domain.KeyID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epochs[channel], nil
}

func (r *MemoryKeyEpochRepository) Next(ctx context.Context, channel domain.ChannelID) (domain.KeyID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epochs[channel]++
	return r.epochs[channel], nil
}

func (r *MemoryKeyEpochRepository) Observe(ctx context.Context, channel domain.ChannelID, id domain.KeyID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id > r.epochs[channel] {
		r.epochs[channel] = id
	}
	return nil
}

func (r *MemoryKeyEpochRepository) Ping(ctx context.Context) error {
	return nil
}
