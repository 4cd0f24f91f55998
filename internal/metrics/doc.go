/*
Package metrics exports unicache counters to Prometheus.

# Overview

A Collector owns a private Prometheus registry, so several caches in one
process never collide on the default registry. The admin API mounts
Collector.Handler at /metrics.

	┌─────────────┐
	│  Collector  │
	└──────┬──────┘
	       │
	   ┌───┴──────────────────────────────┐
	   │                                  │
	┌──▼──────────────┐        ┌──────────▼───────┐
	│ cache.Manager   │        │ coordination     │
	│ MetricsRecorder │        │ Recorder         │
	└─────────────────┘        └──────────────────┘

# Exported Series

Cache manager:

	<ns>_cache_requests_total{result,tier}
	<ns>_cache_sets_total{strategy}
	<ns>_cache_set_size_bytes{strategy}
	<ns>_cache_deletes_total
	<ns>_cache_evictions_total{reason}
	<ns>_persistence_errors_total{operation}
	<ns>_cache_memory_bytes
	<ns>_cache_memory_entries

Coordination:

	<ns>_sync_messages_total{direction,type}
	<ns>_sync_dropped_total{reason}
	<ns>_sync_errors_total{transport}
	<ns>_leader

Offline queue:

	<ns>_offline_queue_pending
	<ns>_offline_replays_total{result}

# Usage

	collector, err := metrics.NewCollector(metrics.Config{
		Enabled:   true,
		Namespace: "unicache",
	})
	if err != nil {
		log.Fatal(err)
	}
	http.Handle("/metrics", collector.Handler())

A disabled collector is safe to pass anywhere a recorder is expected; every
method becomes a no-op and Handler answers 404.
*/
package metrics
