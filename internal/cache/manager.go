package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/realtycrm/unicache/internal/transform"
	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/types"
	"github.com/realtycrm/unicache/pkg/utils"
)

// Tier names reported to the metrics recorder
const (
	TierMemory = "memory"
	TierStore  = "store"
)

// HealthComponent is the name persistence outcomes are reported under
const HealthComponent = "store"

// Config configures a Manager
type Config struct {
	MaxSize    int64
	GCInterval time.Duration
	Version    string
	// Compress and Encrypt are the defaults for writes that do not override them
	Compress bool
	Encrypt  bool
	Now      func() time.Time
}

// DefaultConfig returns the defaults: 50MiB, a 10 minute GC and compression on
func DefaultConfig() Config {
	return Config{
		MaxSize:    50 << 20,
		GCInterval: 10 * time.Minute,
		Version:    "1",
		Compress:   true,
	}
}

// Hooks run around every Get, including misses
type Hooks struct {
	BeforeGet func(ctx context.Context, key string)
	AfterGet  func(ctx context.Context, key string, hit bool)
}

// HealthReporter receives the outcome of durable store calls
type HealthReporter interface {
	RecordSuccess(component string)
	RecordError(component string, err error)
}

// Dependencies are the Manager's optional collaborators
type Dependencies struct {
	// Store is the durable tier; nil runs memory-only
	Store    types.Persister
	Recorder types.MetricsRecorder
	Health   HealthReporter
	Hooks    Hooks
	Logger   *zap.Logger
}

// Manager is the two-tier cache: an in-memory tier in front of an optional
// durable store. Store failures are logged and counted, never returned.
type Manager struct {
	config   Config
	codec    *transform.Codec
	store    types.Persister
	recorder types.MetricsRecorder
	health   HealthReporter
	hooks    Hooks
	logger   *zap.Logger

	mu      sync.RWMutex
	memory  *memoryTier
	metrics types.Metrics

	listenersMu sync.RWMutex
	listeners   map[int]types.EventListener
	nextID      int

	startOnce sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        conc.WaitGroup
}

// NewManager creates a manager. A nil codec is replaced by one that only
// serializes.
func NewManager(config Config, codec *transform.Codec, deps Dependencies) (*Manager, error) {
	defaults := DefaultConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.GCInterval <= 0 {
		config.GCInterval = defaults.GCInterval
	}
	if config.Version == "" {
		config.Version = defaults.Version
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	logger := utils.OrNop(deps.Logger).Named("cache")
	if codec == nil {
		c, err := transform.New(transform.Options{}, logger)
		if err != nil {
			return nil, err
		}
		codec = c
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = types.NopRecorder{}
	}

	m := &Manager{
		config:    config,
		codec:     codec,
		store:     deps.Store,
		recorder:  recorder,
		health:    deps.Health,
		hooks:     deps.Hooks,
		logger:    logger,
		memory:    newMemoryTier(config.MaxSize),
		listeners: make(map[int]types.EventListener),
		stopCh:    make(chan struct{}),
	}
	m.metrics.LastReset = config.Now()
	return m, nil
}

// Start launches the periodic garbage collector
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Go(func() { m.gcLoop(ctx) })
		m.logger.Info("Cache manager started",
			zap.String("max_size", utils.FormatBytes(m.config.MaxSize)),
			zap.Duration("gc_interval", m.config.GCInterval),
			zap.Bool("persistent", m.store != nil))
	})
}

func (m *Manager) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if removed := m.RunGarbageCollection(ctx); removed > 0 {
				m.logger.Debug("Garbage collection removed entries", zap.Int("removed", removed))
			}
		}
	}
}

// Close stops the garbage collector. It does not close the store.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return nil
}

// Codec returns the manager's transform codec
func (m *Manager) Codec() *transform.Codec {
	return m.codec
}

// Now returns the current time on the manager's clock
func (m *Manager) Now() time.Time {
	return m.config.Now()
}

func validateKey(key string) error {
	if key == "" {
		return cacheerrors.NewError(cacheerrors.ErrCodeInvalidKey, "cache key must not be empty").
			WithComponent("cache")
	}
	return nil
}

// Get decodes the fresh value for key into out
func (m *Manager) Get(ctx context.Context, key string, out any) (bool, error) {
	entry, ok := m.GetEntry(ctx, key)
	if !ok {
		return false, nil
	}
	if err := m.codec.Decode(entry.Value, out); err != nil {
		return false, err
	}
	return true, nil
}

// GetEntry returns a copy of the fresh entry for key. An entry found only in
// the store is promoted into memory.
func (m *Manager) GetEntry(ctx context.Context, key string) (*types.Entry, bool) {
	if m.hooks.BeforeGet != nil {
		m.hooks.BeforeGet(ctx, key)
	}
	entry, tier := m.lookup(ctx, key)
	hit := entry != nil
	if m.hooks.AfterGet != nil {
		m.hooks.AfterGet(ctx, key, hit)
	}

	if !hit {
		m.mu.Lock()
		m.metrics.Misses++
		m.mu.Unlock()
		m.recorder.RecordMiss()
		m.emit(types.Event{Type: types.EventMiss, Key: key})
		return nil, false
	}

	m.mu.Lock()
	m.metrics.Hits++
	m.mu.Unlock()
	m.recorder.RecordHit(tier)
	m.emit(types.Event{Type: types.EventHit, Key: key, Strategy: entry.Strategy})
	return entry, true
}

func (m *Manager) lookup(ctx context.Context, key string) (*types.Entry, string) {
	now := m.Now()

	// A stale entry stays in memory until GC or eviction so GetStale can
	// still serve it
	m.mu.RLock()
	if e := m.memory.get(key); e != nil && !e.IsExpired(now) {
		entry := e.Clone()
		m.mu.RUnlock()
		return entry, TierMemory
	}
	m.mu.RUnlock()

	if m.store == nil {
		return nil, ""
	}
	stored, found, err := m.store.Get(ctx, key)
	if err != nil {
		m.persistenceFailed("get", err)
		return nil, ""
	}
	m.persistenceOK()
	if !found {
		return nil, ""
	}

	m.insert(stored.Clone())
	return stored, TierStore
}

// GetStale decodes the value for key even when it has expired. It reads
// memory first and then the store, and records no hit or miss.
func (m *Manager) GetStale(ctx context.Context, key string, out any) (bool, error) {
	m.mu.RLock()
	var entry *types.Entry
	if e := m.memory.get(key); e != nil {
		entry = e.Clone()
	}
	m.mu.RUnlock()

	if entry == nil && m.store != nil {
		stored, found, err := m.store.GetStale(ctx, key)
		if err != nil {
			m.persistenceFailed("get_stale", err)
		} else if found {
			m.persistenceOK()
			entry = stored
		}
	}
	if entry == nil {
		return false, nil
	}
	if err := m.codec.Decode(entry.Value, out); err != nil {
		return false, err
	}
	return true, nil
}

// Has reports whether a fresh entry exists in memory or in the store. It
// neither promotes nor counts.
func (m *Manager) Has(ctx context.Context, key string) bool {
	now := m.Now()
	m.mu.RLock()
	e := m.memory.get(key)
	fresh := e != nil && !e.IsExpired(now)
	m.mu.RUnlock()
	if fresh {
		return true
	}

	if m.store == nil {
		return false
	}
	_, found, err := m.store.Get(ctx, key)
	if err != nil {
		m.persistenceFailed("has", err)
		return false
	}
	m.persistenceOK()
	return found
}

// Prepare encodes value into an entry using the resolved strategy, TTL and
// transform flags, without storing it.
func (m *Manager) Prepare(key string, value any, opts types.SetOptions) (*types.Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	compress, encrypt := m.transformFlags(opts)
	transport, flags, err := m.codec.Encode(value, compress, encrypt)
	if err != nil {
		return nil, err
	}
	return m.newEntry(key, transport, flags, opts), nil
}

// PrepareRaw builds an entry from already-serialized JSON
func (m *Manager) PrepareRaw(key string, raw []byte, opts types.SetOptions) (*types.Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, cacheerrors.Serialization("encode", fmt.Errorf("payload for %q is not valid JSON", key))
	}

	compress, encrypt := m.transformFlags(opts)
	transport, flags, err := m.codec.EncodeRaw(raw, compress, encrypt)
	if err != nil {
		return nil, err
	}
	return m.newEntry(key, transport, flags, opts), nil
}

func (m *Manager) transformFlags(opts types.SetOptions) (compress, encrypt bool) {
	compress, encrypt = m.config.Compress, m.config.Encrypt
	if opts.Compress != nil {
		compress = *opts.Compress
	}
	if opts.Encrypt != nil {
		encrypt = *opts.Encrypt
	}
	return compress, encrypt
}

func (m *Manager) newEntry(key, transport string, flags transform.Flags, opts types.SetOptions) *types.Entry {
	strategy := opts.Strategy
	if !strategy.Valid() {
		strategy = types.DefaultStrategy
	}
	ttl := strategy.DefaultTTL()
	if opts.TTL != nil {
		ttl = *opts.TTL
	}
	if ttl < 0 {
		ttl = 0
	}
	source := opts.Source
	if source == "" {
		source = types.SourceLocal
	}

	now := m.Now()
	return &types.Entry{
		Key:       key,
		Value:     transport,
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
		Strategy:  strategy,
		Version:   m.config.Version,
		Metadata: types.Metadata{
			Tags:       append([]string(nil), opts.Tags...),
			Compressed: flags.Compressed,
			Encrypted:  flags.Encrypted,
			Size:       transform.EstimateSize(transport),
			Source:     source,
		},
	}
}

// Set encodes value and stores it in memory and, unless opts disables it,
// in the durable store.
func (m *Manager) Set(ctx context.Context, key string, value any, opts types.SetOptions) error {
	entry, err := m.Prepare(key, value, opts)
	if err != nil {
		return err
	}
	m.SetEntry(ctx, entry, opts.ShouldPersist())
	return nil
}

// SetEntry stores a pre-encoded entry. Inbound sync and offline replay use it
// directly. An entry that is already stale (a zero TTL, the REALTIME default)
// is counted but not stored; it still replaces whatever was cached under its key.
func (m *Manager) SetEntry(ctx context.Context, entry *types.Entry, persist bool) {
	entry = entry.Clone()
	if entry.Metadata.Size == 0 {
		entry.Metadata.Size = transform.EstimateSize(entry.Value)
	}

	stale := entry.IsExpired(m.Now())
	if stale {
		m.mu.Lock()
		m.memory.remove(entry.Key)
		m.mu.Unlock()
		m.updateSize()
	} else {
		m.insert(entry)
	}

	m.mu.Lock()
	m.metrics.Sets++
	m.mu.Unlock()
	m.recorder.RecordSet(entry.Strategy, entry.Metadata.Size)
	m.emit(types.Event{Type: types.EventSet, Key: entry.Key, Strategy: entry.Strategy})

	if !persist || m.store == nil {
		return
	}
	var err error
	operation := "set"
	if stale {
		operation = "delete"
		err = m.store.Delete(ctx, entry.Key)
	} else {
		err = m.store.Set(ctx, entry)
	}
	if err != nil {
		m.persistenceFailed(operation, err)
	} else {
		m.persistenceOK()
	}
}

// Peek returns a copy of the memory entry for key, fresh or stale, without
// touching the store, the counters or the hooks
func (m *Manager) Peek(key string) (*types.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e := m.memory.get(key); e != nil {
		return e.Clone(), true
	}
	return nil, false
}

// insert places entry in memory, evicting as needed
func (m *Manager) insert(entry *types.Entry) {
	size := entry.Metadata.Size
	if size <= 0 {
		size = transform.EstimateSize(entry.Value)
	}

	m.mu.Lock()
	evicted, stored := m.memory.put(entry, size)
	m.metrics.Evictions += uint64(len(evicted))
	m.mu.Unlock()

	if !stored {
		m.logger.Warn("Entry larger than the memory tier, not cached in memory",
			zap.String("key", entry.Key),
			zap.String("size", utils.FormatBytes(size)),
			zap.String("max_size", utils.FormatBytes(m.config.MaxSize)))
	}
	for _, e := range evicted {
		m.recorder.RecordEviction(types.ReasonSizeLimit)
		m.emit(types.Event{Type: types.EventEvict, Key: e.Key, Reason: types.ReasonSizeLimit, Strategy: e.Strategy})
	}
	m.updateSize()
}

// Delete removes key from memory and the store
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.removeKey(key)
	if m.store != nil {
		if err := m.store.Delete(ctx, key); err != nil {
			m.persistenceFailed("delete", err)
		} else {
			m.persistenceOK()
		}
	}

	m.recorder.RecordDelete()
	m.emit(types.Event{Type: types.EventDelete, Key: key, Reason: types.ReasonManual})
	return nil
}

// DeleteLocal removes key from memory only. Inbound invalidations use it
// because the sender already updated the shared store.
func (m *Manager) DeleteLocal(key string) {
	if key == "" {
		return
	}
	m.removeKey(key)
	m.recorder.RecordDelete()
	m.emit(types.Event{Type: types.EventDelete, Key: key, Reason: types.ReasonManual})
}

func (m *Manager) removeKey(key string) {
	m.mu.Lock()
	m.memory.remove(key)
	m.metrics.Deletes++
	m.mu.Unlock()
	m.updateSize()
}

// Clear empties both tiers and resets the metrics
func (m *Manager) Clear(ctx context.Context) {
	m.resetMemory()
	if m.store != nil {
		if err := m.store.Clear(ctx); err != nil {
			m.persistenceFailed("clear", err)
		} else {
			m.persistenceOK()
		}
	}

	m.emit(types.Event{Type: types.EventClear})
}

// ClearLocal empties the memory tier and resets the metrics, leaving the
// store alone
func (m *Manager) ClearLocal() {
	m.resetMemory()
	m.emit(types.Event{Type: types.EventClear})
}

func (m *Manager) resetMemory() {
	m.mu.Lock()
	m.memory.reset()
	m.metrics = types.Metrics{LastReset: m.Now()}
	m.mu.Unlock()
	m.updateSize()
}

// ClearByStrategy removes every entry with strategy s and returns the
// removed keys in sorted order
func (m *Manager) ClearByStrategy(ctx context.Context, s types.Strategy) []string {
	var storeKeys []string
	if m.store != nil {
		keys, err := m.store.ByStrategy(ctx, s)
		if err != nil {
			m.persistenceFailed("by_strategy", err)
		}
		storeKeys = keys
	}
	return m.removeMatching(ctx, func(e *types.Entry) bool { return e.Strategy == s }, storeKeys)
}

// ClearByTags removes every entry carrying at least one of tags and returns
// the removed keys
func (m *Manager) ClearByTags(ctx context.Context, tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	var storeKeys []string
	if m.store != nil {
		for _, tag := range tags {
			keys, err := m.store.ByTag(ctx, tag)
			if err != nil {
				m.persistenceFailed("by_tag", err)
				continue
			}
			storeKeys = append(storeKeys, keys...)
		}
	}

	return m.removeMatching(ctx, func(e *types.Entry) bool {
		for _, tag := range tags {
			if e.Metadata.HasTag(tag) {
				return true
			}
		}
		return false
	}, storeKeys)
}

func (m *Manager) removeMatching(ctx context.Context, pred func(*types.Entry) bool, storeKeys []string) []string {
	m.mu.Lock()
	removed := m.memory.removeIf(pred)
	m.mu.Unlock()

	keys := make(map[string]struct{}, len(removed)+len(storeKeys))
	for _, e := range removed {
		keys[e.Key] = struct{}{}
	}
	for _, k := range storeKeys {
		keys[k] = struct{}{}
	}
	if len(keys) == 0 {
		return nil
	}

	all := make([]string, 0, len(keys))
	for k := range keys {
		all = append(all, k)
	}
	sort.Strings(all)

	if m.store != nil && len(storeKeys) > 0 {
		if _, err := m.store.DeleteMany(ctx, all); err != nil {
			m.persistenceFailed("delete_many", err)
		} else {
			m.persistenceOK()
		}
	}

	m.mu.Lock()
	m.metrics.Deletes += uint64(len(all))
	m.mu.Unlock()
	m.updateSize()

	for _, k := range all {
		m.recorder.RecordDelete()
		m.emit(types.Event{Type: types.EventDelete, Key: k, Reason: types.ReasonManual})
	}
	return all
}

// GetMany returns the decoded JSON of every fresh key found. Missing keys are
// absent from the result.
func (m *Manager) GetMany(ctx context.Context, keys []string) map[string]json.RawMessage {
	result := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		entry, ok := m.GetEntry(ctx, key)
		if !ok {
			continue
		}
		raw, err := m.codec.DecodeRaw(entry.Value)
		if err != nil {
			m.logger.Warn("Failed to decode cached value", zap.String("key", key), zap.Error(err))
			continue
		}
		result[key] = raw
	}
	return result
}

// SetMany sets each item with the same options. The batch is not atomic;
// every item is attempted and the failures are combined.
func (m *Manager) SetMany(ctx context.Context, items map[string]any, opts types.SetOptions) error {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs error
	for _, k := range keys {
		errs = multierr.Append(errs, m.Set(ctx, k, items[k], opts))
	}
	return errs
}

// RunGarbageCollection removes stale entries from memory and sweeps the
// store. It returns the total number removed.
func (m *Manager) RunGarbageCollection(ctx context.Context) int {
	now := m.Now()

	m.mu.Lock()
	expired := m.memory.removeIf(func(e *types.Entry) bool { return e.IsExpired(now) })
	m.mu.Unlock()
	m.updateSize()

	for _, e := range expired {
		m.emit(types.Event{Type: types.EventExpire, Key: e.Key, Reason: types.ReasonExpired, Strategy: e.Strategy})
	}

	total := len(expired)
	if m.store != nil {
		swept, err := m.store.SweepExpired(ctx)
		if err != nil {
			m.persistenceFailed("sweep_expired", err)
		} else {
			m.persistenceOK()
			total += swept
		}
	}
	return total
}

// Keys lists the keys of fresh entries in memory and the store, sorted
func (m *Manager) Keys(ctx context.Context) []string {
	now := m.Now()
	seen := make(map[string]struct{})

	m.mu.RLock()
	m.memory.each(func(e *types.Entry) bool {
		if !e.IsExpired(now) {
			seen[e.Key] = struct{}{}
		}
		return true
	})
	m.mu.RUnlock()

	if m.store != nil {
		keys, err := m.store.Keys(ctx)
		if err != nil {
			m.persistenceFailed("keys", err)
		} else {
			m.persistenceOK()
			for _, k := range keys {
				seen[k] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns copies of up to limit fresh memory entries, most recently
// set first. A limit of zero or less means no limit.
func (m *Manager) Snapshot(limit int) []*types.Entry {
	now := m.Now()
	var out []*types.Entry

	m.mu.RLock()
	m.memory.each(func(e *types.Entry) bool {
		if !e.IsExpired(now) {
			out = append(out, e.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	m.mu.RUnlock()
	return out
}

// Metrics returns a copy of the counters with size and hit rate filled in.
// Size and Entries cover everything held in memory, including expired
// entries that the next garbage collection pass has not yet swept; those
// also count against MaxSize until then.
func (m *Manager) Metrics() types.Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := m.metrics
	metrics.Size = m.memory.size()
	metrics.Entries = m.memory.len()
	metrics.HitRate = types.CalculateHitRate(metrics.Hits, metrics.Misses)
	return metrics
}

// OnEvent registers a listener and returns a function that removes it
func (m *Manager) OnEvent(listener types.EventListener) func() {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// Emit delivers an event raised outside the manager, such as a connectivity
// change, to the registered listeners
func (m *Manager) Emit(event types.Event) {
	m.emit(event)
}

func (m *Manager) emit(event types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.Now()
	}

	m.listenersMu.RLock()
	if len(m.listeners) == 0 {
		m.listenersMu.RUnlock()
		return
	}
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]types.EventListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		m.notify(l, event)
	}
}

func (m *Manager) notify(l types.EventListener, event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Event listener panicked",
				zap.String("event", string(event.Type)), zap.Any("panic", r))
		}
	}()
	l(event)
}

func (m *Manager) updateSize() {
	m.mu.RLock()
	size, entries := m.memory.size(), m.memory.len()
	m.mu.RUnlock()
	m.recorder.UpdateSize(size, entries)
}

func (m *Manager) persistenceFailed(operation string, err error) {
	m.logger.Warn("Durable store operation failed",
		zap.String("operation", operation), zap.Error(err))
	m.recorder.RecordPersistenceError(operation)
	if m.health != nil {
		m.health.RecordError(HealthComponent, err)
	}
}

func (m *Manager) persistenceOK() {
	if m.health != nil {
		m.health.RecordSuccess(HealthComponent)
	}
}
