package types

import (
	"context"
)

// Persister defines the durable tier behind the in-memory cache
type Persister interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	// GetStale returns the entry even when it has expired
	GetStale(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) (int, error)
	Clear(ctx context.Context) error

	GetAll(ctx context.Context) (map[string]*Entry, error)
	Keys(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)

	// Index-backed lookups
	ByStrategy(ctx context.Context, strategy Strategy) ([]string, error)
	ByTag(ctx context.Context, tag string) ([]string, error)

	SweepExpired(ctx context.Context) (int, error)
}

// MetricsRecorder receives cache counter updates
type MetricsRecorder interface {
	RecordHit(tier string)
	RecordMiss()
	RecordSet(strategy Strategy, size int64)
	RecordDelete()
	RecordEviction(reason string)
	RecordPersistenceError(operation string)
	UpdateSize(bytes int64, entries int)
}

// NopRecorder discards all updates
type NopRecorder struct{}

func (NopRecorder) RecordHit(string) {}
func (NopRecorder) RecordMiss() {}
func (NopRecorder) RecordSet(Strategy, int64) {}
func (NopRecorder) RecordDelete() {}
func (NopRecorder) RecordEviction(string) {}
func (NopRecorder) RecordPersistenceError(string) {}
func (NopRecorder) UpdateSize(int64, int) {}
