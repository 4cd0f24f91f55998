// Package unicache is the public face of the cache: a two-tier store kept in
// step with sibling processes, with an offline write queue.
//
// A UnifiedCache is built explicitly with New and passed to whoever needs it;
// there is no package-level instance.
package unicache

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/realtycrm/unicache/internal/cache"
	"github.com/realtycrm/unicache/internal/coordination"
	"github.com/realtycrm/unicache/internal/transform"
	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/health"
	"github.com/realtycrm/unicache/pkg/retry"
	"github.com/realtycrm/unicache/pkg/types"
	"github.com/realtycrm/unicache/pkg/utils"
)

// Recorder receives every counter the cache produces. The Prometheus
// collector implements it.
type Recorder interface {
	types.MetricsRecorder
	coordination.Recorder
	SetOfflinePending(n int)
	RecordOfflineReplay(success bool)
}

type nopRecorder struct {
	types.NopRecorder
}

func (nopRecorder) RecordSyncSent(string)     {}
func (nopRecorder) RecordSyncReceived(string) {}
func (nopRecorder) RecordSyncDropped(string)  {}
func (nopRecorder) RecordSyncError(string)    {}
func (nopRecorder) SetLeader(bool)            {}
func (nopRecorder) SetOfflinePending(int)     {}
func (nopRecorder) RecordOfflineReplay(bool)  {}

// Dependencies are the collaborators a UnifiedCache runs on. All are optional.
type Dependencies struct {
	// Store is the durable tier. When it also implements
	// coordination.LeaseStore it backs leader election, and when it
	// implements QueueStore the offline queue survives restarts.
	Store types.Persister
	// Broadcaster carries events to sibling processes; nil disables sync
	Broadcaster  coordination.Broadcaster
	Connectivity Connectivity
	Recorder     Recorder
	Health       *health.Tracker
	Logger       *zap.Logger
}

// UnifiedCache composes the cache manager, the coordination channel and the
// offline queue. Infrastructure failures are logged and counted; only
// invalid input, serialization errors and fetcher errors reach callers.
type UnifiedCache struct {
	opts         Options
	manager      *cache.Manager
	channel      *coordination.Channel
	queue        *offlineQueue
	connectivity Connectivity
	recorder     Recorder
	health       *health.Tracker
	logger       *zap.Logger

	online atomic.Bool
	group  singleflight.Group

	mu          sync.Mutex
	closed      bool
	unsubscribe []func()

	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds and starts a cache. Background work stops when ctx is
// cancelled or Close is called.
func New(ctx context.Context, opts Options, deps Dependencies) (*UnifiedCache, error) {
	logger := utils.OrNop(deps.Logger)
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	codec, err := transform.New(opts.Transform, logger)
	if err != nil {
		return nil, err
	}

	managerDeps := cache.Dependencies{
		Store:    deps.Store,
		Recorder: recorder,
		Hooks:    opts.Hooks,
		Logger:   logger,
	}
	if deps.Health != nil {
		managerDeps.Health = deps.Health
		if deps.Store != nil {
			deps.Health.RegisterComponent(health.ComponentStore)
		}
		deps.Health.RegisterComponent(health.ComponentSync)
		deps.Health.RegisterComponent(health.ComponentOffline)
	}
	manager, err := cache.NewManager(opts.Cache, codec, managerDeps)
	if err != nil {
		return nil, err
	}

	var leases coordination.LeaseStore
	if ls, ok := deps.Store.(coordination.LeaseStore); ok {
		leases = ls
	}
	channel := coordination.NewChannel(opts.Sync, deps.Broadcaster, leases, recorder, logger)

	connectivity := deps.Connectivity
	if connectivity == nil {
		connectivity = NewManualConnectivity(true)
	}

	if opts.Offline.MaxRetries <= 0 {
		opts.Offline.MaxRetries = DefaultOptions().Offline.MaxRetries
	}
	if len(opts.Offline.Retry.RetryableErrors) == 0 {
		opts.Offline.Retry.RetryableErrors = retry.DefaultConfig().RetryableErrors
	}

	runCtx, cancel := context.WithCancel(ctx)
	u := &UnifiedCache{
		opts:         opts,
		manager:      manager,
		channel:      channel,
		connectivity: connectivity,
		recorder:     recorder,
		health:       deps.Health,
		logger:       logger.Named("unicache").With(zap.String("process_id", channel.ProcessID())),
		ctx:          runCtx,
		cancel:       cancel,
	}

	queueStore, _ := deps.Store.(QueueStore)
	replay := opts.Offline.Replay
	if replay == nil {
		replay = u.replay
	}
	u.queue = &offlineQueue{
		store:    queueStore,
		replay:   replay,
		retry:    opts.Offline.Retry,
		recorder: recorder,
		health:   deps.Health,
		logger:   logger.Named("offline"),
		now:      manager.Now,
	}

	channel.SetSnapshotFunc(manager.Snapshot)
	u.unsubscribe = append(u.unsubscribe, channel.OnUpdate(u.applyRemote))
	if err := channel.Start(runCtx); err != nil {
		cancel()
		return nil, err
	}
	manager.Start(runCtx)

	u.queue.load(runCtx)
	u.online.Store(connectivity.Online())
	u.unsubscribe = append(u.unsubscribe, connectivity.Subscribe(u.SetOnline))
	if u.online.Load() && u.queue.pending() > 0 {
		u.startDrain()
	}

	u.logger.Info("Unified cache ready",
		zap.String("transport", channel.TransportName()),
		zap.Bool("online", u.online.Load()),
		zap.Bool("persistent", deps.Store != nil))
	return u, nil
}

// Get decodes the fresh value for key into out and reports whether it was
// found
func (u *UnifiedCache) Get(ctx context.Context, key string, out any) (bool, error) {
	return u.manager.Get(ctx, key, out)
}

// Has reports whether a fresh value exists for key
func (u *UnifiedCache) Has(ctx context.Context, key string) bool {
	return u.manager.Has(ctx, key)
}

// GetMany returns the JSON of every fresh key found
func (u *UnifiedCache) GetMany(ctx context.Context, keys []string) map[string]json.RawMessage {
	return u.manager.GetMany(ctx, keys)
}

// Set stores value under key and broadcasts it unless opts opts out. A
// synced CRITICAL write made while offline is also queued; its broadcast
// waits for the queue to drain.
func (u *UnifiedCache) Set(ctx context.Context, key string, value any, opts types.SetOptions) error {
	entry, err := u.manager.Prepare(key, value, opts)
	if err != nil {
		return err
	}

	if !u.IsOnline() && entry.Strategy == types.StrategyCritical && opts.ShouldSync() {
		payload, err := json.Marshal(value)
		if err != nil {
			return cacheerrors.Serialization("encode", err)
		}
		operation := types.OfflineCreate
		if _, exists := u.manager.Peek(key); exists {
			operation = types.OfflineUpdate
		}
		u.manager.SetEntry(ctx, entry, opts.ShouldPersist())
		u.enqueue(ctx, operation, key, payload, entry.Strategy, opts.Tags)
		return nil
	}

	u.manager.SetEntry(ctx, entry, opts.ShouldPersist())
	if opts.ShouldSync() {
		if entry.IsExpired(u.manager.Now()) {
			u.broadcast(ctx, key, nil)
		} else {
			u.broadcast(ctx, key, entry)
		}
	}
	return nil
}

// SetMany sets every item with the same options. It is not atomic; each
// item is attempted and the failures are combined.
func (u *UnifiedCache) SetMany(ctx context.Context, items map[string]any, opts types.SetOptions) error {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs error
	for _, k := range keys {
		errs = multierr.Append(errs, u.Set(ctx, k, items[k], opts))
	}
	return errs
}

// Delete removes key everywhere and broadcasts the invalidation unless opts
// opts out. Deleting a CRITICAL entry while offline queues the broadcast.
func (u *UnifiedCache) Delete(ctx context.Context, key string, opts types.DeleteOptions) error {
	prev, existed := u.manager.Peek(key)
	if err := u.manager.Delete(ctx, key); err != nil {
		return err
	}
	if !opts.ShouldSync() {
		return nil
	}

	if !u.IsOnline() && existed && prev.Strategy == types.StrategyCritical {
		u.enqueue(ctx, types.OfflineDelete, key, nil, prev.Strategy, prev.Metadata.Tags)
		return nil
	}
	u.broadcast(ctx, key, nil)
	return nil
}

// Clear empties the cache here and, unless opts opts out, in every sibling
func (u *UnifiedCache) Clear(ctx context.Context, opts types.DeleteOptions) {
	u.manager.Clear(ctx)
	if !opts.ShouldSync() {
		return
	}
	if err := u.channel.SyncClear(ctx); err != nil {
		u.syncFailed(err)
	} else {
		u.syncOK()
	}
}

// ClearByStrategy removes every entry stored with strategy s. Siblings are
// told about each removed key.
func (u *UnifiedCache) ClearByStrategy(ctx context.Context, s types.Strategy) int {
	return u.broadcastRemoved(ctx, u.manager.ClearByStrategy(ctx, s))
}

// ClearByTags removes every entry carrying one of tags
func (u *UnifiedCache) ClearByTags(ctx context.Context, tags []string) int {
	return u.broadcastRemoved(ctx, u.manager.ClearByTags(ctx, tags))
}

func (u *UnifiedCache) broadcastRemoved(ctx context.Context, keys []string) int {
	for _, k := range keys {
		u.broadcast(ctx, k, nil)
	}
	return len(keys)
}

// GetOrSet decodes the cached value for key into out, or calls fetch, stores
// its result and decodes that. Concurrent callers for one key share a single
// fetch. When fetch fails while offline, an expired value is served instead
// if one is still present.
func (u *UnifiedCache) GetOrSet(ctx context.Context, key string, out any, fetch func(ctx context.Context) (any, error), opts types.SetOptions) error {
	if found, err := u.manager.Get(ctx, key, out); err == nil && found {
		return nil
	}

	raw, err, _ := u.group.Do(key, func() (interface{}, error) {
		// A caller that lost the race may find the winner's value
		if e, ok := u.manager.Peek(key); ok && !e.IsExpired(u.manager.Now()) {
			if cached, err := u.manager.Codec().DecodeRaw(e.Value); err == nil {
				return json.RawMessage(cached), nil
			}
		}

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, cacheerrors.Serialization("encode", err)
		}
		if err := u.Set(ctx, key, json.RawMessage(raw), opts); err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	})
	if err != nil {
		if cacheerrors.HasCode(err, cacheerrors.ErrCodeSerialization) || cacheerrors.HasCode(err, cacheerrors.ErrCodeInvalidKey) {
			return err
		}
		return u.fetchFailed(ctx, key, out, err)
	}

	if err := json.Unmarshal(raw.(json.RawMessage), out); err != nil {
		return cacheerrors.NewError(cacheerrors.ErrCodeDeserialization, "fetched value does not fit the target").
			WithComponent("unicache").
			WithContext("key", key).
			WithCause(err)
	}
	return nil
}

func (u *UnifiedCache) fetchFailed(ctx context.Context, key string, out any, err error) error {
	if !u.IsOnline() {
		if found, serr := u.manager.GetStale(ctx, key, out); serr == nil && found {
			u.logger.Warn("Fetch failed while offline, serving stale value",
				zap.String("key", key), zap.Error(err))
			return nil
		}
	}
	return cacheerrors.NewError(cacheerrors.ErrCodeFetchFailed, "fetcher failed").
		WithComponent("unicache").
		WithContext("key", key).
		WithCause(err)
}

// Update reads the current value for key (nil when absent), applies fn and
// stores the result. Concurrent updates are last-write-wins.
func (u *UnifiedCache) Update(ctx context.Context, key string, fn func(current json.RawMessage) (any, error), opts types.SetOptions) error {
	var current json.RawMessage
	if entry, ok := u.manager.GetEntry(ctx, key); ok {
		raw, err := u.manager.Codec().DecodeRaw(entry.Value)
		if err != nil {
			u.logger.Warn("Unreadable cached value, updating from empty",
				zap.String("key", key), zap.Error(err))
		} else {
			current = raw
		}
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	return u.Set(ctx, key, next, opts)
}

// Invalidate deletes every key containing pattern and returns how many were
// removed
func (u *UnifiedCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, cacheerrors.NewError(cacheerrors.ErrCodeInvalidPattern, "invalidation pattern must not be empty").
			WithComponent("unicache")
	}
	return u.invalidateMatching(ctx, func(key string) bool { return strings.Contains(key, pattern) }, types.DeleteOptions{}), nil
}

// InvalidateRegex deletes every key matching re
func (u *UnifiedCache) InvalidateRegex(ctx context.Context, re *regexp.Regexp) (int, error) {
	if re == nil {
		return 0, cacheerrors.NewError(cacheerrors.ErrCodeInvalidPattern, "invalidation regex must not be nil").
			WithComponent("unicache")
	}
	return u.invalidateMatching(ctx, re.MatchString, types.DeleteOptions{}), nil
}

func (u *UnifiedCache) invalidateMatching(ctx context.Context, match func(string) bool, opts types.DeleteOptions) int {
	removed := 0
	for _, key := range u.manager.Keys(ctx) {
		if !match(key) {
			continue
		}
		if err := u.Delete(ctx, key, opts); err == nil {
			removed++
		}
	}
	if removed > 0 {
		u.logger.Debug("Invalidated keys", zap.Int("removed", removed))
	}
	return removed
}

// RunGarbageCollection removes expired entries now instead of waiting for
// the next scheduled pass
func (u *UnifiedCache) RunGarbageCollection(ctx context.Context) int {
	return u.manager.RunGarbageCollection(ctx)
}

// RequestFullSync asks the leader to re-broadcast its fresh entries
func (u *UnifiedCache) RequestFullSync(ctx context.Context) {
	if err := u.channel.SyncAll(ctx); err != nil {
		u.syncFailed(err)
		return
	}
	u.syncOK()
}

// GetMetrics returns the cache counters
func (u *UnifiedCache) GetMetrics() types.Metrics {
	return u.manager.Metrics()
}

// GetSyncStatus returns the offline queue state
func (u *UnifiedCache) GetSyncStatus() types.SyncStatus {
	return u.queue.syncStatus()
}

// AddEventListener registers l and returns a function that removes it
func (u *UnifiedCache) AddEventListener(l types.EventListener) func() {
	return u.manager.OnEvent(l)
}

// IsOnline reports the last known connectivity state
func (u *UnifiedCache) IsOnline() bool {
	return u.online.Load()
}

// SetOnline records a connectivity change. Going online drains the offline
// queue in the background.
func (u *UnifiedCache) SetOnline(online bool) {
	if u.online.Swap(online) == online {
		return
	}

	eventType := types.EventOffline
	if online {
		eventType = types.EventOnline
	}
	u.logger.Info("Connectivity changed", zap.Bool("online", online))
	u.manager.Emit(types.Event{Type: eventType})

	if online {
		u.startDrain()
	}
}

// IsLeader reports whether this process currently leads its siblings
func (u *UnifiedCache) IsLeader() bool {
	return u.channel.IsLeader()
}

// ProcessID returns this process's identity on the coordination channel
func (u *UnifiedCache) ProcessID() string {
	return u.channel.ProcessID()
}

// TransportName returns the active coordination transport
func (u *UnifiedCache) TransportName() string {
	return u.channel.TransportName()
}

// Close stops background work, leaves the coordination channel and releases
// the leadership lease. It does not close the store.
func (u *UnifiedCache) Close() error {
	u.closeOnce.Do(func() {
		u.mu.Lock()
		u.closed = true
		unsubscribe := u.unsubscribe
		u.unsubscribe = nil
		u.mu.Unlock()

		for _, fn := range unsubscribe {
			fn()
		}
		u.cancel()
		u.wg.Wait()

		u.closeErr = multierr.Combine(
			u.channel.Close(),
			u.manager.Close(),
		)
		u.logger.Info("Unified cache closed")
	})
	return u.closeErr
}

func (u *UnifiedCache) startDrain() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.wg.Go(func() { u.queue.drain(u.ctx, u.IsOnline) })
}

func (u *UnifiedCache) enqueue(ctx context.Context, operation types.OfflineOperation, key string, payload []byte, strategy types.Strategy, tags []string) {
	u.queue.enqueue(ctx, types.OfflineQueueItem{
		ID:         uuid.NewString(),
		Operation:  operation,
		Key:        key,
		Payload:    payload,
		Strategy:   strategy,
		Tags:       append([]string(nil), tags...),
		EnqueuedAt: u.manager.Now(),
		MaxRetries: u.opts.Offline.MaxRetries,
	})
}

// replay is the default ReplayFunc: apply the write locally, then tell the
// siblings
func (u *UnifiedCache) replay(ctx context.Context, item types.OfflineQueueItem) error {
	switch item.Operation {
	case types.OfflineDelete:
		if err := u.manager.Delete(ctx, item.Key); err != nil {
			return err
		}
		return u.channel.Sync(ctx, item.Key, nil)
	case types.OfflineCreate, types.OfflineUpdate:
		entry, err := u.manager.PrepareRaw(item.Key, item.Payload, types.SetOptions{
			Strategy: item.Strategy,
			Tags:     item.Tags,
			Source:   types.SourceOffline,
		})
		if err != nil {
			return err
		}
		u.manager.SetEntry(ctx, entry, true)
		return u.channel.Sync(ctx, item.Key, entry)
	default:
		return cacheerrors.NewError(cacheerrors.ErrCodeInternalError,
			fmt.Sprintf("unknown offline operation %q", item.Operation)).WithComponent("offline")
	}
}

// applyRemote applies a sibling's change without broadcasting it again
func (u *UnifiedCache) applyRemote(msg coordination.Message) {
	switch msg.Type {
	case coordination.MessageUpdate:
		u.manager.SetEntry(u.ctx, msg.Entry(), false)
	case coordination.MessageInvalidate:
		u.manager.DeleteLocal(msg.Key)
	case coordination.MessageClear:
		u.manager.ClearLocal()
	default:
		return
	}
	u.manager.Emit(types.Event{Type: types.EventSync, Key: msg.Key, Strategy: msg.Strategy})
}

func (u *UnifiedCache) broadcast(ctx context.Context, key string, entry *types.Entry) {
	if err := u.channel.Sync(ctx, key, entry); err != nil {
		u.syncFailed(err)
		return
	}
	u.syncOK()
}

func (u *UnifiedCache) syncFailed(err error) {
	if u.health != nil {
		u.health.RecordError(health.ComponentSync, cacheerrors.SyncTransport(u.channel.TransportName(), err))
	}
}

func (u *UnifiedCache) syncOK() {
	if u.health != nil {
		u.health.RecordSuccess(health.ComponentSync)
	}
}
