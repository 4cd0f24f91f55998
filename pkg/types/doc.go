/*
Package types provides the core data structures and interfaces shared by the unicache components.

The package sits underneath every other package so that the cache manager, the durable
store, the coordination channel and the public façade can exchange entries without
importing each other.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│            Unified Cache Façade             │
	│               (pkg/unicache)                │
	└─────────────────────────────────────────────┘
	          │                 │            │
	┌─────────┴──────┐ ┌────────┴─────┐ ┌────┴──────────┐
	│ Cache Manager  │ │ Coordination │ │ Offline Queue │
	│ (internal/     │ │   Channel    │ │               │
	│  cache)        │ │              │ │               │
	└────────────────┘ └──────────────┘ └───────────────┘
	    │        │
	┌───┴────┐ ┌─┴──────────────┐
	│Transform│ │ Durable Store │
	└────────┘ └────────────────┘

# Data Structures

Entry:
One cached value in transport form (see internal/transform) plus its expiry, strategy,
format version and metadata. An entry whose ExpiresAt has passed is logically absent
even while it is still physically stored.

Strategy:
A named TTL class. Each strategy carries a default time-to-live that applies when a
write does not specify one.

Metrics, SyncStatus, OfflineQueueItem, Event:
Process-wide counters, offline queue status, deferred writes and the lifecycle events
delivered to cache listeners.

# Interface Contracts

Persister is the durable tier consumed by the cache manager. Implementations must be
safe for concurrent use and must report failures through errors rather than panics;
the manager treats every Persister error as non-fatal.

MetricsRecorder receives counter updates from the manager. A nil recorder is replaced
by a no-op implementation.
*/
package types
