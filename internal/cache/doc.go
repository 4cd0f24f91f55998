/*
Package cache implements the two-tier cache behind the unified cache façade.

# Tiers

	┌───────────────────────────────────────┐
	│            Manager                    │
	│  Get / Set / Delete / GetOrSet        │
	└───────────────────────────────────────┘
	          │                   │
	┌──────────────────┐  ┌──────────────────┐
	│   memory tier    │  │   durable store  │
	│ map + recency    │  │ types.Persister  │
	│ list, byte bound │  │ (SQLite)         │
	└──────────────────┘  └──────────────────┘

Reads try memory first and fall back to the store. A fresh store hit is
promoted into memory. Writes go to memory and, unless the caller opts out,
to the store. Store failures are logged, counted and reported to the health
reporter; they never fail the caller.

# Strategies

Every entry carries a Strategy that decides its default lifetime:

	STATIC      30m
	DYNAMIC     30s   (default)
	REALTIME    0     (stale on arrival; never kept in memory)
	CRITICAL    10s
	HISTORICAL  5m

An explicit TTL in SetOptions overrides the strategy default. Stale entries
stay physically present until garbage collection, so GetStale can still
serve them.

# Eviction

The memory tier is bounded by Config.MaxSize in bytes of encoded value.
When an insert would exceed it, the least recently set entries are evicted
and an evict event with reason size_limit is emitted. An entry larger than
the whole bound is written to the store only.

# Events

OnEvent registers listeners for hit, miss, set, delete, evict, expire and
clear events. Listeners run synchronously; a panicking listener is logged
and skipped.

Usage:

	m, err := cache.NewManager(cache.DefaultConfig(), codec, cache.Dependencies{
		Store:  sqliteStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	m.Start(ctx)
	defer m.Close()

	err = m.Set(ctx, "lead:42", lead, types.SetOptions{Strategy: types.StrategyStatic})
	found, err := m.Get(ctx, "lead:42", &out)
*/
package cache
