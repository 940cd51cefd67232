package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/transaction"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	initialOCCBackoff = 10 * time.Millisecond
	maxOCCBackoff     = 2 * time.Second
	// MaxOCCFailures bounds OCC retries before the conflict surfaces.
	MaxOCCFailures = 3

	initialOverloadedBackoff = 10 * time.Millisecond
	maxOverloadedBackoff     = 30 * time.Second
	// MaxOverloadedFailures bounds retries against transient overload.
	MaxOverloadedFailures = 20
)

func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0
	return bo
}

// ExecuteWithOCCRetries runs a system write, retrying on OCC conflicts with
// jittered exponential backoff.
func (d *Database) ExecuteWithOCCRetries(ctx context.Context, source types.WriteSource, fn func(ctx context.Context, tx *transaction.Transaction) error) (types.Timestamp, error) {
	return d.executeWithRetries(ctx, source, fn, MaxOCCFailures, 0)
}

// ExecuteWithOverloadedRetries additionally retries when the instance sheds
// load. System jobs (import staging and import-state updates) use this;
// user-visible operations should not, so a user deletion does not silently
// stall behind an overloaded instance.
func (d *Database) ExecuteWithOverloadedRetries(ctx context.Context, source types.WriteSource, fn func(ctx context.Context, tx *transaction.Transaction) error) (types.Timestamp, error) {
	return d.executeWithRetries(ctx, source, fn, MaxOCCFailures, MaxOverloadedFailures)
}

func (d *Database) executeWithRetries(ctx context.Context, source types.WriteSource, fn func(ctx context.Context, tx *transaction.Transaction) error, maxOCC, maxOverloaded int) (types.Timestamp, error) {
	occBo := newBackoff(initialOCCBackoff, maxOCCBackoff)
	overloadedBo := newBackoff(initialOverloadedBackoff, maxOverloadedBackoff)
	occFailures, overloadedFailures := 0, 0

	for {
		tx := d.Begin(types.SystemIdentity)
		err := fn(ctx, tx)
		if err == nil {
			var ts types.Timestamp
			ts, err = d.Commit(ctx, tx, source)
			if err == nil {
				return ts, nil
			}
		}

		var wait time.Duration
		switch {
		case types.IsOCC(err) && occFailures < maxOCC:
			occFailures++
			metrics.MutationRetriesTotal.WithLabelValues("occ").Inc()
			wait = occBo.NextBackOff()
		case (types.IsOverloaded(err) || types.IsRateLimited(err)) && overloadedFailures < maxOverloaded:
			overloadedFailures++
			metrics.MutationRetriesTotal.WithLabelValues("overloaded").Inc()
			wait = overloadedBo.NextBackOff()
		default:
			return 0, err
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
