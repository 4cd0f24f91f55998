package unicache

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/health"
	"github.com/realtycrm/unicache/pkg/retry"
	"github.com/realtycrm/unicache/pkg/types"
)

// QueueStore persists offline writes across restarts. The SQLite store
// implements it.
type QueueStore interface {
	EnqueueOffline(ctx context.Context, item types.OfflineQueueItem) error
	ListOffline(ctx context.Context) ([]types.OfflineQueueItem, error)
	UpdateOffline(ctx context.Context, item types.OfflineQueueItem) error
	RemoveOffline(ctx context.Context, id string) error
}

// ReplayFunc delivers one queued write. A returned error is retried until
// the item's MaxRetries is spent.
type ReplayFunc func(ctx context.Context, item types.OfflineQueueItem) error

// offlineQueue holds CRITICAL writes made while offline and replays them in
// enqueue order once the process is back online
type offlineQueue struct {
	store    QueueStore
	replay   ReplayFunc
	retry    retry.Config
	recorder Recorder
	health   *health.Tracker
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	items  []types.OfflineQueueItem
	status types.SyncStatus

	drainMu sync.Mutex
}

func (q *offlineQueue) load(ctx context.Context) {
	if q.store == nil {
		return
	}
	items, err := q.store.ListOffline(ctx)
	if err != nil {
		q.storeFailed("list_offline", err)
		return
	}

	q.mu.Lock()
	q.items = items
	q.status.Pending = len(items)
	q.mu.Unlock()
	q.recorder.SetOfflinePending(len(items))

	if len(items) > 0 {
		q.logger.Info("Restored offline queue", zap.Int("pending", len(items)))
	}
}

func (q *offlineQueue) enqueue(ctx context.Context, item types.OfflineQueueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	pending := len(q.items)
	q.status.Pending = pending
	q.mu.Unlock()
	q.recorder.SetOfflinePending(pending)

	q.logger.Debug("Queued offline write",
		zap.String("key", item.Key),
		zap.String("operation", string(item.Operation)),
		zap.Int("pending", pending))

	if q.store != nil {
		if err := q.store.EnqueueOffline(ctx, item); err != nil {
			q.storeFailed("enqueue_offline", err)
		}
	}
}

func (q *offlineQueue) syncStatus() types.SyncStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

func (q *offlineQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain replays queued items one at a time until the queue is empty, ctx is
// done or online reports false. Items whose retries run out are dropped and
// counted as failed. Concurrent calls wait for the running drain.
func (q *offlineQueue) drain(ctx context.Context, online func() bool) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	q.status.InProgress = true
	q.mu.Unlock()

	q.logger.Info("Draining offline queue", zap.Int("pending", q.pending()))
	defer func() {
		q.mu.Lock()
		q.status.InProgress = false
		q.status.LastSync = q.now()
		q.mu.Unlock()
	}()

	for online() {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.mu.Unlock()

		if !q.replayItem(ctx, item) {
			return
		}
	}
}

// replayItem returns false when the drain should stop with item still queued
func (q *offlineQueue) replayItem(ctx context.Context, item types.OfflineQueueItem) bool {
	remaining := item.MaxRetries - item.RetryCount
	if remaining < 1 {
		remaining = 1
	}
	retryConfig := q.retry
	retryConfig.MaxAttempts = remaining

	attempts, err := retry.New(retryConfig).Do(ctx, func(ctx context.Context) error {
		return replayable(q.replay(ctx, item))
	})
	item.RetryCount += attempts

	if err != nil && ctx.Err() != nil {
		// Interrupted, not exhausted: keep the item with its spent attempts
		q.mu.Lock()
		if len(q.items) > 0 && q.items[0].ID == item.ID {
			q.items[0] = item
		}
		q.mu.Unlock()
		if q.store != nil {
			if uerr := q.store.UpdateOffline(context.Background(), item); uerr != nil {
				q.storeFailed("update_offline", uerr)
			}
		}
		return false
	}

	q.mu.Lock()
	if len(q.items) > 0 && q.items[0].ID == item.ID {
		q.items = q.items[1:]
	}
	pending := len(q.items)
	q.status.Pending = pending
	if err != nil {
		q.status.Failed++
	}
	q.mu.Unlock()
	q.recorder.SetOfflinePending(pending)

	if q.store != nil {
		if rerr := q.store.RemoveOffline(ctx, item.ID); rerr != nil {
			q.storeFailed("remove_offline", rerr)
		}
	}

	if err != nil {
		exhausted := cacheerrors.OfflineExhausted(item.Key, item.RetryCount, err)
		q.logger.Error("Offline write dropped",
			zap.String("key", item.Key),
			zap.String("id", item.ID),
			zap.Int("attempts", item.RetryCount),
			zap.Error(exhausted))
		q.recorder.RecordOfflineReplay(false)
		q.reportHealth(exhausted)
		return true
	}

	q.recorder.RecordOfflineReplay(true)
	q.reportHealth(nil)
	return true
}

// replayable marks errors from caller-supplied replay functions retryable
func replayable(err error) error {
	if err == nil {
		return nil
	}
	var cacheErr *cacheerrors.CacheError
	if stderr.As(err, &cacheErr) {
		return err
	}
	return cacheerrors.NewError(cacheerrors.ErrCodeOfflineReplay, "offline replay failed").
		WithComponent("offline").
		WithCause(err)
}

func (q *offlineQueue) reportHealth(err error) {
	if q.health == nil {
		return
	}
	if err != nil {
		q.health.RecordError(health.ComponentOffline, err)
	} else {
		q.health.RecordSuccess(health.ComponentOffline)
	}
}

func (q *offlineQueue) storeFailed(operation string, err error) {
	q.logger.Warn("Offline queue persistence failed", zap.String("operation", operation), zap.Error(err))
	q.recorder.RecordPersistenceError(operation)
	if q.health != nil {
		q.health.RecordError(health.ComponentStore, err)
	}
}
