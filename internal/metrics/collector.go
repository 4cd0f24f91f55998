package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/realtycrm/unicache/pkg/types"
)

// Collector exports cache, coordination and offline queue counters to a
// private Prometheus registry. It satisfies the cache manager's
// MetricsRecorder and the coordination channel's Recorder.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	sets              *prometheus.CounterVec
	setSize           *prometheus.HistogramVec
	deletes           prometheus.Counter
	evictions         *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	sizeBytes         prometheus.Gauge
	entries           prometheus.Gauge

	syncMessages *prometheus.CounterVec
	syncDropped  *prometheus.CounterVec
	syncErrors   *prometheus.CounterVec
	leader       prometheus.Gauge

	offlinePending prometheus.Gauge
	offlineReplays *prometheus.CounterVec
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// DefaultConfig returns an enabled collector under the unicache namespace
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "unicache",
	}
}

// NewCollector creates a collector. A disabled collector accepts every call
// and records nothing.
func NewCollector(config Config) (*Collector, error) {
	c := &Collector{config: config}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Enabled reports whether the collector records anything
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Registry returns the private registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Cache manager

func (c *Collector) RecordHit(tier string) {
	if !c.config.Enabled {
		return
	}
	c.requests.With(prometheus.Labels{"result": "hit", "tier": tier}).Inc()
}

func (c *Collector) RecordMiss() {
	if !c.config.Enabled {
		return
	}
	c.requests.With(prometheus.Labels{"result": "miss", "tier": "none"}).Inc()
}

func (c *Collector) RecordSet(strategy types.Strategy, size int64) {
	if !c.config.Enabled {
		return
	}
	c.sets.WithLabelValues(string(strategy)).Inc()
	if size > 0 {
		c.setSize.WithLabelValues(string(strategy)).Observe(float64(size))
	}
}

func (c *Collector) RecordDelete() {
	if !c.config.Enabled {
		return
	}
	c.deletes.Inc()
}

func (c *Collector) RecordEviction(reason string) {
	if !c.config.Enabled {
		return
	}
	c.evictions.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordPersistenceError(operation string) {
	if !c.config.Enabled {
		return
	}
	c.persistenceErrors.WithLabelValues(operation).Inc()
}

// UpdateSize sets the memory tier gauges
func (c *Collector) UpdateSize(bytes int64, entries int) {
	if !c.config.Enabled {
		return
	}
	c.sizeBytes.Set(float64(bytes))
	c.entries.Set(float64(entries))
}

// Coordination channel

func (c *Collector) RecordSyncSent(msgType string) {
	if !c.config.Enabled {
		return
	}
	c.syncMessages.With(prometheus.Labels{"direction": "sent", "type": msgType}).Inc()
}

func (c *Collector) RecordSyncReceived(msgType string) {
	if !c.config.Enabled {
		return
	}
	c.syncMessages.With(prometheus.Labels{"direction": "received", "type": msgType}).Inc()
}

func (c *Collector) RecordSyncDropped(reason string) {
	if !c.config.Enabled {
		return
	}
	c.syncDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordSyncError(transport string) {
	if !c.config.Enabled {
		return
	}
	c.syncErrors.WithLabelValues(transport).Inc()
}

func (c *Collector) SetLeader(leader bool) {
	if !c.config.Enabled {
		return
	}
	if leader {
		c.leader.Set(1)
	} else {
		c.leader.Set(0)
	}
}

// Offline queue

// SetOfflinePending sets the number of queued offline writes
func (c *Collector) SetOfflinePending(n int) {
	if !c.config.Enabled {
		return
	}
	c.offlinePending.Set(float64(n))
}

// RecordOfflineReplay counts one drained queue item by outcome
func (c *Collector) RecordOfflineReplay(success bool) {
	if !c.config.Enabled {
		return
	}
	result := "success"
	if !success {
		result = "exhausted"
	}
	c.offlineReplays.WithLabelValues(result).Inc()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_requests_total",
			Help:        "Total number of cache reads by result and serving tier",
			ConstLabels: labels,
		},
		[]string{"result", "tier"},
	)

	c.sets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_sets_total",
			Help:        "Total number of cache writes by strategy",
			ConstLabels: labels,
		},
		[]string{"strategy"},
	)

	c.setSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_set_size_bytes",
			Help:        "Size of written entries in bytes",
			Buckets:     prometheus.ExponentialBuckets(64, 4, 10), // 64B to ~16MB
			ConstLabels: labels,
		},
		[]string{"strategy"},
	)

	c.deletes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   sub,
		Name:        "cache_deletes_total",
		Help:        "Total number of deleted keys",
		ConstLabels: labels,
	})

	c.evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_evictions_total",
			Help:        "Total number of evicted entries by reason",
			ConstLabels: labels,
		},
		[]string{"reason"},
	)

	c.persistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "persistence_errors_total",
			Help:        "Total number of failed durable store operations",
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	c.sizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   sub,
		Name:        "cache_memory_bytes",
		Help:        "Current size of the memory tier in bytes",
		ConstLabels: labels,
	})

	c.entries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   sub,
		Name:        "cache_memory_entries",
		Help:        "Current number of entries in the memory tier",
		ConstLabels: labels,
	})

	c.syncMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "sync_messages_total",
			Help:        "Coordination messages by direction and type",
			ConstLabels: labels,
		},
		[]string{"direction", "type"},
	)

	c.syncDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "sync_dropped_total",
			Help:        "Inbound coordination messages dropped by reason",
			ConstLabels: labels,
		},
		[]string{"reason"},
	)

	c.syncErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "sync_errors_total",
			Help:        "Failed broadcasts by transport",
			ConstLabels: labels,
		},
		[]string{"transport"},
	)

	c.leader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   sub,
		Name:        "leader",
		Help:        "1 when this process holds the leadership lease",
		ConstLabels: labels,
	})

	c.offlinePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   sub,
		Name:        "offline_queue_pending",
		Help:        "Writes waiting in the offline queue",
		ConstLabels: labels,
	})

	c.offlineReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "offline_replays_total",
			Help:        "Drained offline queue items by outcome",
			ConstLabels: labels,
		},
		[]string{"result"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requests,
		c.sets,
		c.setSize,
		c.deletes,
		c.evictions,
		c.persistenceErrors,
		c.sizeBytes,
		c.entries,
		c.syncMessages,
		c.syncDropped,
		c.syncErrors,
		c.leader,
		c.offlinePending,
		c.offlineReplays,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}
