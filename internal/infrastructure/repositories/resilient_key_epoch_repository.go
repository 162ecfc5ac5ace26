package repositories

import (
	"context"
	"errors"
	"fmt"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/pkg/circuitbreaker"
	"voxrelay/pkg/retry"

	"go.uber.org/zap"
)

// ResilientKeyEpochRepository retries transient store failures and stops
// calling a store that keeps failing. A retried Next may skip a key id;
// ids only need to be unique and increasing.
type ResilientKeyEpochRepository struct {
	inner   ports.KeyEpochRepository
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
}

func NewResilientKeyEpochRepository(inner ports.KeyEpochRepository, breaker *circuitbreaker.CircuitBreaker, retryCfg retry.Config, logger *zap.SugaredLogger) *ResilientKeyEpochRepository {
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("key epoch store circuit changed", "from", from.String(), "to", to.String())
	})
	return &ResilientKeyEpochRepository{
		inner:   inner,
		breaker: breaker,
		retry:   retryCfg,
	}
}

func (r *ResilientKeyEpochRepository) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
		err := r.breaker.Execute(func() error { return fn(ctx) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("key epoch %s: %w", op, err)
	}
	return nil
}

func (r *ResilientKeyEpochRepository) Current(ctx context.Context, channel domain.ChannelID) (domain.KeyID, error) {
	var id domain.KeyID
	err := r.call(ctx, "read", func(ctx context.Context) (err error) {
		id, err = r.inner.Current(ctx, channel)
		return err
	})
	return id, err
}

func (r *ResilientKeyEpochRepository) Next(ctx context.Context, channel domain.ChannelID) (domain.KeyID, error) {
	var id domain.KeyID
	err := r.call(ctx, "advance", func(ctx context.Context) (err error) {
		id, err = r.inner.Next(ctx, channel)
		return err
	})
	return id, err
}

func (r *ResilientKeyEpochRepository) Observe(ctx context.Context, channel domain.ChannelID, id domain.KeyID) error {
	return r.call(ctx, "observe", func(ctx context.Context) error {
		return r.inner.Observe(ctx, channel, id)
	})
}

// Ping bypasses the breaker so readiness reflects the store itself.
func (r *ResilientKeyEpochRepository) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

func (r *ResilientKeyEpochRepository) BreakerState() circuitbreaker.State {
	return r.breaker.State()
}
