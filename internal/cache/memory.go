package cache

import (
	"container/list"

	"github.com/realtycrm/unicache/pkg/types"
)

// memoryTier holds entries in a map plus a list ordered by entry timestamp.
// The front of the list holds the newest entry; eviction pops from the back.
// It is not safe for concurrent use; Manager guards it.
type memoryTier struct {
	maxSize     int64
	currentSize int64
	items       map[string]*list.Element
	order       *list.List
}

// memoryItem is the value stored in each list element
type memoryItem struct {
	entry *types.Entry
	size  int64
}

func newMemoryTier(maxSize int64) *memoryTier {
	return &memoryTier{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// get returns the stored entry without copying it
func (t *memoryTier) get(key string) *types.Entry {
	if elem, ok := t.items[key]; ok {
		return elem.Value.(*memoryItem).entry
	}
	return nil
}

// put inserts entry by its Timestamp, replacing any entry with the same key.
// A promoted or inbound entry older than what is cached lands behind the
// newer entries. Entries are evicted from the back until the new one fits. An
// entry larger than the whole tier is not stored, and any previous value for
// its key is dropped.
func (t *memoryTier) put(entry *types.Entry, size int64) (evicted []*types.Entry, stored bool) {
	t.remove(entry.Key)

	if size > t.maxSize {
		return nil, false
	}

	for t.currentSize+size > t.maxSize && t.order.Len() > 0 {
		back := t.order.Back()
		item := back.Value.(*memoryItem)
		t.removeElement(back)
		evicted = append(evicted, item.entry)
	}

	item := &memoryItem{entry: entry, size: size}
	var elem *list.Element
	for e := t.order.Front(); e != nil; e = e.Next() {
		if !e.Value.(*memoryItem).entry.Timestamp.After(entry.Timestamp) {
			elem = t.order.InsertBefore(item, e)
			break
		}
	}
	if elem == nil {
		elem = t.order.PushBack(item)
	}
	t.items[entry.Key] = elem
	t.currentSize += size
	return evicted, true
}

// remove deletes key and returns the entry that was stored
func (t *memoryTier) remove(key string) (*types.Entry, bool) {
	elem, ok := t.items[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*memoryItem)
	t.removeElement(elem)
	return item.entry, true
}

func (t *memoryTier) removeElement(elem *list.Element) {
	item := elem.Value.(*memoryItem)
	t.order.Remove(elem)
	delete(t.items, item.entry.Key)
	t.currentSize -= item.size
}

// each visits entries from newest to oldest until fn returns false
func (t *memoryTier) each(fn func(*types.Entry) bool) {
	for elem := t.order.Front(); elem != nil; elem = elem.Next() {
		if !fn(elem.Value.(*memoryItem).entry) {
			return
		}
	}
}

// removeIf deletes every entry matching pred and returns the removed entries
func (t *memoryTier) removeIf(pred func(*types.Entry) bool) []*types.Entry {
	var removed []*types.Entry
	for elem := t.order.Front(); elem != nil; {
		next := elem.Next()
		item := elem.Value.(*memoryItem)
		if pred(item.entry) {
			t.removeElement(elem)
			removed = append(removed, item.entry)
		}
		elem = next
	}
	return removed
}

func (t *memoryTier) reset() {
	t.items = make(map[string]*list.Element)
	t.order.Init()
	t.currentSize = 0
}

func (t *memoryTier) len() int {
	return len(t.items)
}

func (t *memoryTier) size() int64 {
	return t.currentSize
}
