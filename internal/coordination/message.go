package coordination

import (
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/realtycrm/unicache/pkg/types"
)

// MessageType names a coordination message
type MessageType string

const (
	MessageUpdate      MessageType = "update"
	MessageInvalidate  MessageType = "invalidate"
	MessageClear       MessageType = "clear"
	MessageSyncRequest MessageType = "sync_request"
)

// Message is one cross-process cache event
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Key       string         `json:"key,omitempty"`
	Value     string         `json:"value,omitempty"`
	Strategy  types.Strategy `json:"strategy,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
	Version   string         `json:"version,omitempty"`
	Origin    string         `json:"origin"`
	Timestamp time.Time      `json:"timestamp"`
}

// Entry rebuilds the cache entry carried by an update message
func (m Message) Entry() *types.Entry {
	return &types.Entry{
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
		ExpiresAt: m.ExpiresAt,
		Strategy:  m.Strategy,
		Version:   m.Version,
		Metadata: types.Metadata{
			Tags:   append([]string(nil), m.Tags...),
			Size:   int64(len(m.Value)),
			Source: types.SourceRemote,
		},
	}
}

func newMessage(t MessageType, origin string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      t,
		Origin:    origin,
		Timestamp: now,
	}
}

func updateMessage(origin string, now time.Time, e *types.Entry) Message {
	msg := newMessage(MessageUpdate, origin, now)
	msg.Key = e.Key
	msg.Value = e.Value
	msg.Strategy = e.Strategy
	msg.Tags = e.Metadata.Tags
	msg.ExpiresAt = e.ExpiresAt
	msg.Version = e.Version
	return msg
}

func encodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == "" || msg.Type == "" {
		return Message{}, fmt.Errorf("message missing id or type")
	}
	return msg, nil
}

// replayCache remembers recently seen message IDs
type replayCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newReplayCache(ttl time.Duration, now func() time.Time) *replayCache {
	return &replayCache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  now,
	}
}

// Seen records id and reports whether it was already present
func (r *replayCache) Seen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = r.now()
	return false
}

func (r *replayCache) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	removed := 0
	for id, ts := range r.seen {
		if ts.Before(cutoff) {
			delete(r.seen, id)
			removed++
		}
	}
	return removed
}

func (r *replayCache) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
