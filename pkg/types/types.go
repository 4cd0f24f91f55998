package types

import (
	"fmt"
	"strings"
	"time"
)

// Strategy is a named TTL policy class
type Strategy string

const (
	StrategyStatic     Strategy = "STATIC"
	StrategyDynamic    Strategy = "DYNAMIC"
	StrategyRealtime   Strategy = "REALTIME"
	StrategyCritical   Strategy = "CRITICAL"
	StrategyHistorical Strategy = "HISTORICAL"
)

// DefaultStrategy applies when a write does not name one
const DefaultStrategy = StrategyDynamic

var strategyTTLs = map[Strategy]time.Duration{
	StrategyStatic:     30 * time.Minute,
	StrategyDynamic:    30 * time.Second,
	StrategyRealtime:   0,
	StrategyCritical:   10 * time.Second,
	StrategyHistorical: 5 * time.Minute,
}

// AllStrategies returns every known strategy in declaration order
func AllStrategies() []Strategy {
	return []Strategy{StrategyStatic, StrategyDynamic, StrategyRealtime, StrategyCritical, StrategyHistorical}
}

// DefaultTTL returns the strategy's default time-to-live. Unknown strategies
// fall back to the DYNAMIC duration.
func (s Strategy) DefaultTTL() time.Duration {
	if ttl, ok := strategyTTLs[s]; ok {
		return ttl
	}
	return strategyTTLs[DefaultStrategy]
}

// Valid reports whether s is one of the known strategies
func (s Strategy) Valid() bool {
	_, ok := strategyTTLs[s]
	return ok
}

// ParseStrategy parses a strategy name case-insensitively
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToUpper(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown cache strategy %q", name)
	}
	return s, nil
}

// Source records where an entry came from
type Source string

const (
	SourceLocal   Source = "local"
	SourceRemote  Source = "remote"
	SourceOffline Source = "offline"
)

// Metadata carries optional per-entry attributes
type Metadata struct {
	Tags       []string `json:"tags,omitempty"`
	Compressed bool     `json:"compressed,omitempty"`
	Encrypted  bool     `json:"encrypted,omitempty"`
	Size       int64    `json:"size"`
	Source     Source   `json:"source,omitempty"`
}

// HasTag reports whether the entry carries tag
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Entry is one cached value in transport form
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	// ExpiresAt is zero when the entry never expires by time. An ExpiresAt
	// equal to Timestamp (a zero TTL, the REALTIME default) is stale on
	// arrival.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Strategy  Strategy  `json:"strategy"`
	Version   string    `json:"version"`
	Metadata  Metadata  `json:"metadata"`
}

// IsExpired reports whether the entry is stale at now. An entry stops being
// fresh at the instant it expires.
func (e *Entry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate stored entries
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Metadata.Tags != nil {
		c.Metadata.Tags = append([]string(nil), e.Metadata.Tags...)
	}
	return &c
}

// Metrics are process-wide cache counters
type Metrics struct {
	Hits      uint64    `json:"hits"`
	Misses    uint64    `json:"misses"`
	Sets      uint64    `json:"sets"`
	Deletes   uint64    `json:"deletes"`
	Evictions uint64    `json:"evictions"`
	// Size and Entries include expired entries not yet garbage collected
	Size      int64     `json:"size"`
	Entries   int       `json:"entries"`
	HitRate   float64   `json:"hit_rate"`
	LastReset time.Time `json:"last_reset"`
}

// CalculateHitRate returns hits/(hits+misses), or 0 before any request
func CalculateHitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// OfflineOperation is the kind of a deferred write
type OfflineOperation string

const (
	OfflineCreate OfflineOperation = "create"
	OfflineUpdate OfflineOperation = "update"
	OfflineDelete OfflineOperation = "delete"
)

// OfflineQueueItem is a write deferred while the process was offline
type OfflineQueueItem struct {
	ID         string           `json:"id"`
	Operation  OfflineOperation `json:"operation"`
	Key        string           `json:"key"`
	Payload    []byte           `json:"payload,omitempty"`
	Strategy   Strategy         `json:"strategy"`
	Tags       []string         `json:"tags,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	RetryCount int              `json:"retry_count"`
	MaxRetries int              `json:"max_retries"`
}

// SyncStatus describes the offline queue drain state
type SyncStatus struct {
	LastSync   time.Time `json:"last_sync"`
	Pending    int       `json:"pending"`
	Failed     int       `json:"failed"`
	InProgress bool      `json:"in_progress"`
}

// Lease is the shared leadership record
type Lease struct {
	Name      string    `json:"name"`
	Holder    string    `json:"holder"`
	RenewedAt time.Time `json:"renewed_at"`
}

// EventType names a cache lifecycle event
type EventType string

const (
	EventHit     EventType = "hit"
	EventMiss    EventType = "miss"
	EventSet     EventType = "set"
	EventDelete  EventType = "delete"
	EventEvict   EventType = "evict"
	EventExpire  EventType = "expire"
	EventClear   EventType = "clear"
	EventSync    EventType = "sync"
	EventOnline  EventType = "online"
	EventOffline EventType = "offline"
)

// Eviction reasons
const (
	ReasonSizeLimit = "size_limit"
	ReasonExpired   = "expired"
	ReasonManual    = "manual"
)

// Event is delivered to cache event listeners
type Event struct {
	Type      EventType `json:"type"`
	Key       string    `json:"key,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Strategy  Strategy  `json:"strategy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventListener receives cache events
type EventListener func(Event)

// SetOptions tunes a single write. Nil pointer fields take their defaults.
type SetOptions struct {
	Strategy Strategy
	TTL      *time.Duration
	Tags     []string
	Compress *bool
	Encrypt  *bool
	// Persist defaults to true
	Persist *bool
	// SyncAcrossProcesses defaults to true
	SyncAcrossProcesses *bool
	Source              Source
}

// ShouldPersist resolves the Persist flag
func (o SetOptions) ShouldPersist() bool {
	return o.Persist == nil || *o.Persist
}

// ShouldSync resolves the SyncAcrossProcesses flag
func (o SetOptions) ShouldSync() bool {
	return o.SyncAcrossProcesses == nil || *o.SyncAcrossProcesses
}

// DeleteOptions tunes Delete, Clear and the invalidation helpers
type DeleteOptions struct {
	// SyncAcrossProcesses defaults to true
	SyncAcrossProcesses *bool
}

// ShouldSync resolves the SyncAcrossProcesses flag
func (o DeleteOptions) ShouldSync() bool {
	return o.SyncAcrossProcesses == nil || *o.SyncAcrossProcesses
}

// Bool returns a pointer to b, for SetOptions and DeleteOptions fields
func Bool(b bool) *bool {
	return &b
}

// Duration returns a pointer to d, for SetOptions.TTL
func Duration(d time.Duration) *time.Duration {
	return &d
}
