package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/erpbridge/config"
	"github.com/mmdatafocus/erpbridge/models"
	"github.com/mmdatafocus/erpbridge/workflow"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueAll(t *testing.T, store *models.QueueStore, refs ...string) []uint {
	t.Helper()
	ids := make([]uint, 0, len(refs))
	for _, ref := range refs {
		id, err := store.Enqueue(context.Background(), models.NewQueueItem{ExternalDocRef: "D-" + ref, CorrelationRef: ref})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func newWorker(store *models.QueueStore, exec workflow.ItemExecutor) *workflow.QueueWorker {
	return &workflow.QueueWorker{
		Store:    store,
		Executor: exec,
		Config: config.QueueConfig{
			Enabled:      true,
			BatchSize:    10,
			PollInterval: 10 * time.Millisecond,
			ItemTimeout:  time.Second,
		},
	}
}

func statusOf(t *testing.T, store *models.QueueStore, id uint) *models.QueueItem {
	t.Helper()
	item, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestWorkerBatchIsolation(t *testing.T) {
	store := newTestStore(t, 5)
	ids := enqueueAll(t, store, "SO-1", "SO-2", "SO-3")

	var seen []string
	worker := newWorker(store, workflow.ItemExecutorFunc(func(_ context.Context, item models.QueueItem) (any, error) {
		seen = append(seen, item.CorrelationRef)
		if item.CorrelationRef == "SO-2" {
			return nil, errors.New("remote 502")
		}
		return map[string]string{"ok": item.CorrelationRef}, nil
	}))

	stats := worker.ProcessOnce(context.Background())
	assert.Equal(t, 3, stats.Fetched)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Requeued)
	assert.Equal(t, []string{"SO-1", "SO-2", "SO-3"}, seen, "items are attempted oldest first")

	assert.Equal(t, models.QueueStatusDone, statusOf(t, store, ids[0]).Status)
	failed := statusOf(t, store, ids[1])
	assert.Equal(t, models.QueueStatusPending, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "remote 502", *failed.ErrorMessage)
	assert.Equal(t, models.QueueStatusDone, statusOf(t, store, ids[2]).Status)
}

func TestWorkerRetriesUntilExhausted(t *testing.T) {
	store := newTestStore(t, 3)
	ids := enqueueAll(t, store, "SO-1")

	attempts := 0
	worker := newWorker(store, workflow.ItemExecutorFunc(func(context.Context, models.QueueItem) (any, error) {
		attempts++
		return nil, errors.New("lock contention")
	}))

	for cycle := 0; cycle < 5; cycle++ {
		worker.ProcessOnce(context.Background())
	}

	assert.Equal(t, 3, attempts, "no attempts after exhaustion")
	item := statusOf(t, store, ids[0])
	assert.Equal(t, models.QueueStatusFailed, item.Status)
	assert.Equal(t, 3, item.RetryCount)
	assert.NotNil(t, item.ProcessedAt)
}

func TestWorkerPermanentErrorExhaustsImmediately(t *testing.T) {
	store := newTestStore(t, 5)
	ids := enqueueAll(t, store, "SO-1")

	worker := newWorker(store, workflow.ItemExecutorFunc(func(context.Context, models.QueueItem) (any, error) {
		return nil, &workflow.ValidationError{Field: "lines", Message: "order has no lines"}
	}))

	stats := worker.ProcessOnce(context.Background())
	assert.Equal(t, 1, stats.Exhausted)
	assert.Equal(t, models.QueueStatusFailed, statusOf(t, store, ids[0]).Status)
}

func TestWorkerRecoversExecutorPanic(t *testing.T) {
	store := newTestStore(t, 5)
	ids := enqueueAll(t, store, "SO-1", "SO-2")

	worker := newWorker(store, workflow.ItemExecutorFunc(func(_ context.Context, item models.QueueItem) (any, error) {
		if item.CorrelationRef == "SO-1" {
			panic("nil map write")
		}
		return nil, nil
	}))

	stats := worker.ProcessOnce(context.Background())
	assert.Equal(t, 1, stats.Requeued)
	assert.Equal(t, 1, stats.Succeeded)

	item := statusOf(t, store, ids[0])
	assert.Equal(t, models.QueueStatusPending, item.Status)
	require.NotNil(t, item.ErrorMessage)
	assert.Contains(t, *item.ErrorMessage, "panic")
}

func TestWorkerStopsBetweenItemsOnShutdown(t *testing.T) {
	store := newTestStore(t, 5)
	ids := enqueueAll(t, store, "SO-1", "SO-2", "SO-3")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := newWorker(store, workflow.ItemExecutorFunc(func(execCtx context.Context, item models.QueueItem) (any, error) {
		cancel()
		// the in-flight item is not cut short by shutdown
		if err := execCtx.Err(); err != nil {
			return nil, err
		}
		return "ok", nil
	}))

	stats := worker.ProcessOnce(ctx)
	assert.True(t, stats.Interrupted)
	assert.Equal(t, 1, stats.Succeeded)

	assert.Equal(t, models.QueueStatusDone, statusOf(t, store, ids[0]).Status)
	assert.Equal(t, models.QueueStatusPending, statusOf(t, store, ids[1]).Status)
	assert.Equal(t, models.QueueStatusPending, statusOf(t, store, ids[2]).Status)
}

func TestWorkerRunReturnsOnCancel(t *testing.T) {
	store := newTestStore(t, 5)
	enqueueAll(t, store, "SO-1")

	processed := make(chan struct{}, 1)
	worker := newWorker(store, workflow.ItemExecutorFunc(func(context.Context, models.QueueItem) (any, error) {
		select {
		case processed <- struct{}{}:
		default:
		}
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker never processed the item")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after cancel")
	}
}

func TestWorkerDisabledDoesNothing(t *testing.T) {
	store := newTestStore(t, 5)
	ids := enqueueAll(t, store, "SO-1")

	worker := newWorker(store, workflow.ItemExecutorFunc(func(context.Context, models.QueueItem) (any, error) {
		t.Errorf("executor called while disabled")
		return nil, nil
	}))
	worker.Config.Enabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	worker.Run(ctx)

	assert.Equal(t, models.QueueStatusPending, statusOf(t, store, ids[0]).Status)
}

func TestWorkerSkipsItemsClaimedElsewhere(t *testing.T) {
	store := newTestStore(t, 5)
	ids := enqueueAll(t, store, "SO-1", "SO-2")

	calls := 0
	worker := newWorker(store, workflow.ItemExecutorFunc(func(_ context.Context, item models.QueueItem) (any, error) {
		calls++
		if item.ID == ids[0] {
			// another process claims the next row while this one runs
			ok, err := store.Claim(context.Background(), ids[1])
			require.NoError(t, err)
			require.True(t, ok)
		}
		return nil, nil
	}))

	stats := worker.ProcessOnce(context.Background())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, models.QueueStatusProcessing, statusOf(t, store, ids[1]).Status)
}

func TestItemRouterRejectsUnknownCategory(t *testing.T) {
	store := newTestStore(t, 5)
	id, err := store.Enqueue(context.Background(), models.NewQueueItem{
		ExternalDocRef: "1",
		CorrelationRef: "SO-1",
		EventCategory:  "inventory",
	})
	require.NoError(t, err)

	worker := newWorker(store, &workflow.ItemRouter{})
	stats := worker.ProcessOnce(context.Background())
	assert.Equal(t, 1, stats.Exhausted)

	item := statusOf(t, store, id)
	assert.Equal(t, models.QueueStatusFailed, item.Status)
	require.NotNil(t, item.ErrorMessage)
	assert.Contains(t, *item.ErrorMessage, "unknown event category")
}

func TestRefreshLeaseFailureIsLogged(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"redis unreachable", errors.New("dial tcp 10.0.0.5:6379: connect: connection refused"), "failed to refresh redis lease: dial tcp"},
		{"lease expired", redislock.ErrNotObtained, "redis lease expired before refresh"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, hook := logrustest.NewNullLogger()
			w := newWorker(newTestStore(t, 5), nil)
			w.Logger = logger
			w.WorkerID = "worker-a"

			ok := w.RefreshLease(context.Background(), func(context.Context, time.Duration, *redislock.Options) error {
				return tc.err
			})
			require.False(t, ok)
			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, logrus.WarnLevel, entry.Level)
			assert.Contains(t, entry.Message, tc.wantMsg)
			assert.Equal(t, "worker-a", entry.Data["worker_id"])
		})
	}

	logger, hook := logrustest.NewNullLogger()
	w := newWorker(newTestStore(t, 5), nil)
	w.Logger = logger
	var gotTTL time.Duration
	ok := w.RefreshLease(context.Background(), func(_ context.Context, ttl time.Duration, _ *redislock.Options) error {
		gotTTL = ttl
		return nil
	})
	require.True(t, ok)
	assert.Positive(t, gotTTL)
	assert.Empty(t, hook.AllEntries())
}
