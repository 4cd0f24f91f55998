package unicache

import (
	"context"
	"regexp"

	json "github.com/goccy/go-json"

	"github.com/realtycrm/unicache/pkg/types"
)

// Get returns the fresh value for key decoded as T
func Get[T any](ctx context.Context, c *UnifiedCache, key string) (T, bool, error) {
	var out T
	found, err := c.Get(ctx, key, &out)
	return out, found, err
}

// GetOrSet returns the cached T for key or the result of fetch, which is
// stored before it is returned
func GetOrSet[T any](ctx context.Context, c *UnifiedCache, key string, fetch func(ctx context.Context) (T, error), opts types.SetOptions) (T, error) {
	var out T
	err := c.GetOrSet(ctx, key, &out, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts)
	return out, err
}

// Update applies fn to the current T for key and stores the result. found
// is false when nothing was cached.
func Update[T any](ctx context.Context, c *UnifiedCache, key string, fn func(current T, found bool) (T, error), opts types.SetOptions) (T, error) {
	var next T
	err := c.Update(ctx, key, func(raw json.RawMessage) (any, error) {
		var current T
		found := raw != nil
		if found {
			if err := json.Unmarshal(raw, &current); err != nil {
				found = false
				current = *new(T)
			}
		}
		v, err := fn(current, found)
		if err != nil {
			return nil, err
		}
		next = v
		return v, nil
	}, opts)
	return next, err
}

// Typed binds one value type to a key namespace, so keys read "namespace:id"
type Typed[T any] struct {
	cache     *UnifiedCache
	namespace string
	opts      types.SetOptions
}

// NewTyped returns a view of c that stores T under namespace with opts as the
// default write options
func NewTyped[T any](c *UnifiedCache, namespace string, opts types.SetOptions) *Typed[T] {
	return &Typed[T]{cache: c, namespace: namespace, opts: opts}
}

// Key returns the full cache key for id
func (t *Typed[T]) Key(id string) string {
	return t.namespace + ":" + id
}

func (t *Typed[T]) Get(ctx context.Context, id string) (T, bool, error) {
	return Get[T](ctx, t.cache, t.Key(id))
}

func (t *Typed[T]) Set(ctx context.Context, id string, value T) error {
	return t.cache.Set(ctx, t.Key(id), value, t.opts)
}

func (t *Typed[T]) Delete(ctx context.Context, id string) error {
	return t.cache.Delete(ctx, t.Key(id), t.deleteOptions())
}

// deleteOptions carries the namespace's sync setting over to removals
func (t *Typed[T]) deleteOptions() types.DeleteOptions {
	return types.DeleteOptions{SyncAcrossProcesses: t.opts.SyncAcrossProcesses}
}

func (t *Typed[T]) GetOrSet(ctx context.Context, id string, fetch func(ctx context.Context) (T, error)) (T, error) {
	return GetOrSet(ctx, t.cache, t.Key(id), fetch, t.opts)
}

func (t *Typed[T]) Update(ctx context.Context, id string, fn func(current T, found bool) (T, error)) (T, error) {
	return Update(ctx, t.cache, t.Key(id), fn, t.opts)
}

// InvalidateAll deletes every key in the namespace
func (t *Typed[T]) InvalidateAll(ctx context.Context) (int, error) {
	prefix := regexp.MustCompile("^" + regexp.QuoteMeta(t.namespace+":"))
	return t.cache.invalidateMatching(ctx, prefix.MatchString, t.deleteOptions()), nil
}
