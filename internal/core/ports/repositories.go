package ports

import (
	"context"

	"voxrelay/internal/core/domain"
)

// KeyEpochRepository hands out key ids per channel. Next must be atomic
// across relay nodes sharing the same store so that two nodes rotating the
// same channel never mint the same key id.
type KeyEpochRepository interface {
	Current(ctx context.Context, channel domain.ChannelID) (domain.KeyID, error)
	Next(ctx context.Context, channel domain.ChannelID) (domain.KeyID, error)
	// Observe raises the stored counter to at least id.
	Observe(ctx context.Context, channel domain.ChannelID, id domain.KeyID) error
	Ping(ctx context.Context) error
}
