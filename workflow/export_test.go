package workflow

import (
	"context"
	"time"

	"github.com/bsm/redislock"
)

// LeaseRefreshFunc adapts a function to the lease interface used by the worker.
type LeaseRefreshFunc func(ctx context.Context, ttl time.Duration, opt *redislock.Options) error

func (f LeaseRefreshFunc) Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error {
	return f(ctx, ttl, opt)
}

func (w *QueueWorker) RefreshLease(ctx context.Context, lock LeaseRefreshFunc) bool {
	return w.refreshLease(ctx, lock)
}
