package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/erpbridge/config"
	"github.com/mmdatafocus/erpbridge/models"
	"github.com/mmdatafocus/erpbridge/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/mmdatafocus/erpbridge/workflow"
	workerLockKey       = "lock:erpbridge:queue-worker"
	workerActor         = "worker"
)

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Fetched     int
	Claimed     int
	Succeeded   int
	Requeued    int
	Exhausted   int
	Skipped     int
	Reclaimed   models.ReclaimStats
	Interrupted bool
	LeaseHeld   bool
}

// QueueWorker drains pending queue items on a fixed interval, one item at a
// time. Exclusivity comes from QueueStore.Claim; the redis lease only keeps
// several replicas from polling the same backlog at once.
type QueueWorker struct {
	Store    *models.QueueStore
	Executor ItemExecutor
	Logger   *logrus.Logger
	Locker   *redislock.Client
	WorkerID string
	Config   config.QueueConfig

	tracer   trace.Tracer
	attempts metric.Int64Counter
	outcomes metric.Int64Counter
}

func NewQueueWorker(store *models.QueueStore, executor ItemExecutor, logger *logrus.Logger, cfg config.QueueConfig) *QueueWorker {
	w := &QueueWorker{
		Store:    store,
		Executor: executor,
		Logger:   logger,
		Locker:   config.GetRedisLock(),
		WorkerID: uuid.NewString(),
		Config:   cfg,
		tracer:   otel.Tracer(instrumentationName),
	}
	w.initMetrics()
	return w
}

func (w *QueueWorker) initMetrics() {
	meter := otel.Meter(instrumentationName)
	if counter, err := meter.Int64Counter("erpbridge_queue_attempts",
		metric.WithDescription("Queue item execution attempts"),
		metric.WithUnit("{attempt}")); err == nil {
		w.attempts = counter
	}
	if counter, err := meter.Int64Counter("erpbridge_queue_outcomes",
		metric.WithDescription("Queue item outcomes by resulting status"),
		metric.WithUnit("{item}")); err == nil {
		w.outcomes = counter
	}
}

// Run polls until ctx is cancelled. Cancellation is observed between items;
// an item already executing finishes under its own timeout.
func (w *QueueWorker) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	w.logInfo("queue worker started", logrus.Fields{
		"batch_size":    w.Config.BatchSize,
		"max_retries":   w.Store.MaxRetries(),
		"poll_interval": w.Config.PollInterval.String(),
	})
	for {
		select {
		case <-ctx.Done():
			w.logInfo("queue worker stopped", nil)
			return
		default:
		}

		if w.Config.Enabled {
			w.ProcessOnce(ctx)
		}

		select {
		case <-ctx.Done():
			w.logInfo("queue worker stopped", nil)
			return
		case <-time.After(w.pollInterval()):
		}
	}
}

// ProcessOnce runs a single cycle: reclaim stale rows, fetch a batch and
// process it sequentially.
func (w *QueueWorker) ProcessOnce(ctx context.Context) CycleStats {
	var stats CycleStats
	if w.Store == nil || w.Executor == nil {
		return stats
	}

	lock, held := w.obtainLease(ctx)
	if held {
		stats.LeaseHeld = true
		return stats
	}
	defer w.releaseLease(lock)

	if w.Config.StaleAfter > 0 {
		reclaimed, err := w.Store.ReclaimStale(ctx, w.Config.StaleAfter)
		if err != nil {
			config.LogError(w.logger(), "QueueWorker", "ProcessOnce", "reclaim stale items", nil, err)
		}
		stats.Reclaimed = reclaimed
		if reclaimed != (models.ReclaimStats{}) {
			w.logInfo("reclaimed stale processing items", logrus.Fields{
				"requeued":  reclaimed.Requeued,
				"exhausted": reclaimed.Exhausted,
				"abandoned": reclaimed.Abandoned,
			})
		}
	}

	items, err := w.Store.FetchEligible(ctx, w.batchSize())
	if err != nil {
		// storage trouble skips the cycle; the next interval tries again
		if models.IsTransientStoreError(err) {
			w.logger().WithFields(logrus.Fields{
				"field":     "QueueWorker",
				"worker_id": w.WorkerID,
			}).Warn("fetch eligible items hit contention: " + err.Error())
			return stats
		}
		config.LogError(w.logger(), "QueueWorker", "ProcessOnce", "fetch eligible items", nil, err)
		return stats
	}
	stats.Fetched = len(items)

	for _, item := range items {
		if ctx.Err() != nil {
			stats.Interrupted = true
			break
		}
		if lock != nil {
			w.refreshLease(ctx, lock)
		}
		switch w.processItem(ctx, item) {
		case models.QueueStatusDone:
			stats.Claimed++
			stats.Succeeded++
		case models.QueueStatusPending:
			stats.Claimed++
			stats.Requeued++
		case models.QueueStatusFailed:
			stats.Claimed++
			stats.Exhausted++
		default:
			stats.Skipped++
		}
	}

	if stats.Fetched > 0 {
		w.logInfo("queue cycle finished", logrus.Fields{
			"fetched":     stats.Fetched,
			"succeeded":   stats.Succeeded,
			"requeued":    stats.Requeued,
			"exhausted":   stats.Exhausted,
			"skipped":     stats.Skipped,
			"interrupted": stats.Interrupted,
		})
	}
	return stats
}

// processItem returns the status the item ended in, or "" when it was not
// claimed or could not be finalized.
func (w *QueueWorker) processItem(ctx context.Context, item models.QueueItem) models.QueueStatus {
	claimed, err := w.Store.Claim(ctx, item.ID)
	if err != nil {
		config.LogError(w.logger(), "QueueWorker", "processItem", "claim", item.ID, err)
		return ""
	}
	if !claimed {
		// taken by another worker or reset concurrently
		return ""
	}

	// Detached from shutdown: once claimed, the attempt runs to completion or timeout.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.itemTimeout())
	defer cancel()
	execCtx = utils.SetQueueItemIdInContext(execCtx, item.ID)
	execCtx = utils.SetActorInContext(execCtx, workerActor)
	execCtx = utils.SetCorrelationIdInContext(execCtx, item.CorrelationRef)

	execCtx, span := w.startSpan(execCtx, item)
	defer span.End()

	item.Status = models.QueueStatusProcessing
	result, execErr := w.execute(execCtx, item)
	w.count(w.attempts, item.EventCategory, "")

	finalCtx := context.WithoutCancel(execCtx)
	if execErr == nil {
		if err := w.Store.Complete(finalCtx, item.ID, result); err != nil {
			config.LogError(w.logger(), "QueueWorker", "processItem", "complete", item.ID, err)
			return ""
		}
		w.count(w.outcomes, item.EventCategory, models.QueueStatusDone)
		return models.QueueStatusDone
	}

	span.RecordError(execErr)
	span.SetStatus(codes.Error, execErr.Error())

	status, err := w.Store.FailAttempt(finalCtx, item.ID, execErr)
	if err != nil {
		config.LogError(w.logger(), "QueueWorker", "processItem", "fail attempt", item.ID, err)
		return ""
	}
	w.count(w.outcomes, item.EventCategory, status)

	entry := w.logger().WithFields(logrus.Fields{
		"field":           "QueueWorker",
		"worker_id":       w.WorkerID,
		"queue_item":      item.ID,
		"event_category":  item.EventCategory,
		"correlation_ref": item.CorrelationRef,
		"retry_count":     item.RetryCount + 1,
		"status":          status,
	})
	if status == models.QueueStatusFailed {
		entry.Error("queue item failed permanently: " + execErr.Error())
	} else {
		entry.Warn("queue item attempt failed, will retry: " + execErr.Error())
	}
	return status
}

// execute turns an executor panic into an ordinary failed attempt.
func (w *QueueWorker) execute(ctx context.Context, item models.QueueItem) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger().WithFields(logrus.Fields{
				"field":      "QueueWorker",
				"queue_item": item.ID,
				"stack":      string(debug.Stack()),
			}).Error(fmt.Sprintf("panic while executing queue item: %v", r))
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Executor.Execute(ctx, item)
}

// obtainLease returns held=true when another replica holds the cycle lease.
// Any other redis problem is logged and the cycle runs without a lease.
func (w *QueueWorker) obtainLease(ctx context.Context) (*redislock.Lock, bool) {
	if w.Locker == nil {
		return nil, false
	}
	lock, err := w.Locker.Obtain(ctx, workerLockKey, w.leaseTTL(), nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		w.logger().WithFields(logrus.Fields{
			"field":     "QueueWorker",
			"worker_id": w.WorkerID,
		}).Debug("queue worker lease held elsewhere; skipping cycle")
		return nil, true
	}
	if err != nil {
		w.logger().WithFields(logrus.Fields{
			"field":     "QueueWorker",
			"worker_id": w.WorkerID,
		}).Warn("error obtaining redis lease; proceeding without it: " + err.Error())
		return nil, false
	}
	return lock, false
}

type leaseRefresher interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
}

// refreshLease extends the cycle lease before each item. A failed refresh is
// logged and the cycle continues; Claim still keeps items exclusive.
func (w *QueueWorker) refreshLease(ctx context.Context, lock leaseRefresher) bool {
	err := lock.Refresh(ctx, w.leaseTTL(), nil)
	if err == nil {
		return true
	}
	msg := "failed to refresh redis lease: " + err.Error()
	if errors.Is(err, redislock.ErrNotObtained) {
		msg = "redis lease expired before refresh; another replica may start polling"
	}
	w.logger().WithFields(logrus.Fields{
		"field":     "QueueWorker",
		"worker_id": w.WorkerID,
	}).Warn(msg)
	return false
}

func (w *QueueWorker) releaseLease(lock *redislock.Lock) {
	if lock == nil {
		return
	}
	if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		w.logger().WithFields(logrus.Fields{
			"field":     "QueueWorker",
			"worker_id": w.WorkerID,
		}).Warn("failed to release redis lease: " + err.Error())
	}
}

func (w *QueueWorker) startSpan(ctx context.Context, item models.QueueItem) (context.Context, trace.Span) {
	tracer := w.tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return tracer.Start(ctx, "queue.item", trace.WithAttributes(
		attribute.Int64("queue.item_id", int64(item.ID)),
		attribute.String("queue.event_category", item.EventCategory),
		attribute.Int("queue.retry_count", item.RetryCount),
	))
}

func (w *QueueWorker) count(counter metric.Int64Counter, category string, status models.QueueStatus) {
	if counter == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("event_category", category)}
	if status != "" {
		attrs = append(attrs, attribute.String("status", string(status)))
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (w *QueueWorker) logInfo(msg string, fields logrus.Fields) {
	f := logrus.Fields{"field": "QueueWorker", "worker_id": w.WorkerID}
	for k, v := range fields {
		f[k] = v
	}
	w.logger().WithFields(f).Info(msg)
}

func (w *QueueWorker) logger() *logrus.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return config.GetLogger()
}

func (w *QueueWorker) batchSize() int {
	if w.Config.BatchSize <= 0 {
		return 20
	}
	return w.Config.BatchSize
}

func (w *QueueWorker) pollInterval() time.Duration {
	if w.Config.PollInterval <= 0 {
		return 30 * time.Second
	}
	return w.Config.PollInterval
}

func (w *QueueWorker) itemTimeout() time.Duration {
	if w.Config.ItemTimeout <= 0 {
		return 120 * time.Second
	}
	return w.Config.ItemTimeout
}

func (w *QueueWorker) leaseTTL() time.Duration {
	return w.itemTimeout() + time.Minute
}
