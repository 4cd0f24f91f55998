package coordination

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtycrm/unicache/internal/store"
	"github.com/realtycrm/unicache/pkg/types"
)

type recordedMessages struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordedMessages) add(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recordedMessages) list() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

type countingRecorder struct {
	mu       sync.Mutex
	sent     map[string]int
	received map[string]int
	dropped  map[string]int
	errors   int
	leader   bool
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		sent:     make(map[string]int),
		received: make(map[string]int),
		dropped:  make(map[string]int),
	}
}

func (r *countingRecorder) RecordSyncSent(t string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[t]++
}

func (r *countingRecorder) RecordSyncReceived(t string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[t]++
}

func (r *countingRecorder) RecordSyncDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}

func (r *countingRecorder) RecordSyncError(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

func (r *countingRecorder) SetLeader(leader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leader = leader
}

func (r *countingRecorder) droppedCount(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[reason]
}

func newHubChannel(t *testing.T, hub *Hub, id string, leases LeaseStore) (*Channel, *recordedMessages) {
	t.Helper()
	ch := NewChannel(Config{ProcessID: id}, hub.Join(), leases, nil, nil)
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Close() })

	rec := &recordedMessages{}
	ch.OnUpdate(rec.add)
	return ch, rec
}

func sampleEntry(key string) *types.Entry {
	now := time.Now()
	return &types.Entry{
		Key:       key,
		Value:     `{"status":"pending"}`,
		Timestamp: now,
		ExpiresAt: now.Add(time.Minute),
		Strategy:  types.StrategyDynamic,
		Version:   "1",
		Metadata:  types.Metadata{Tags: []string{"offers"}},
	}
}

func TestMessage_EncodeDecode(t *testing.T) {
	msg := updateMessage("proc-a", time.Now(), sampleEntry("offer:7"))

	data, err := encodeMessage(msg)
	require.NoError(t, err)

	got, err := decodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, MessageUpdate, got.Type)
	assert.Equal(t, "offer:7", got.Key)
	assert.Equal(t, []string{"offers"}, got.Tags)

	e := got.Entry()
	assert.Equal(t, types.SourceRemote, e.Metadata.Source)
	assert.Equal(t, types.StrategyDynamic, e.Strategy)
	assert.True(t, msg.ExpiresAt.Equal(e.ExpiresAt))

	_, err = decodeMessage([]byte(`{"type":"update"}`))
	assert.Error(t, err)
	_, err = decodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestReplayCache(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	r := newReplayCache(time.Minute, clock)

	assert.False(t, r.Seen("a"))
	assert.True(t, r.Seen("a"))
	assert.False(t, r.Seen("b"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, r.Prune())
	assert.Zero(t, r.Len())
	assert.False(t, r.Seen("a"))
}

func TestChannel_BroadcastsToSiblings(t *testing.T) {
	hub := NewHub()
	a, recA := newHubChannel(t, hub, "proc-a", nil)
	_, recB := newHubChannel(t, hub, "proc-b", nil)
	_, recC := newHubChannel(t, hub, "proc-c", nil)

	ctx := context.Background()
	require.NoError(t, a.Sync(ctx, "offer:7", sampleEntry("offer:7")))
	require.NoError(t, a.Sync(ctx, "offer:8", nil))
	require.NoError(t, a.SyncClear(ctx))

	assert.Empty(t, recA.list(), "sender must not observe its own messages")
	for _, rec := range []*recordedMessages{recB, recC} {
		msgs := rec.list()
		require.Len(t, msgs, 3)
		assert.Equal(t, MessageUpdate, msgs[0].Type)
		assert.Equal(t, `{"status":"pending"}`, msgs[0].Value)
		assert.Equal(t, MessageInvalidate, msgs[1].Type)
		assert.Equal(t, "offer:8", msgs[1].Key)
		assert.Equal(t, MessageClear, msgs[2].Type)
		assert.Equal(t, "proc-a", msgs[2].Origin)
	}
}

func TestChannel_DropsSelfAndDuplicates(t *testing.T) {
	recorder := newCountingRecorder()
	ch := NewChannel(Config{ProcessID: "proc-a"}, NopBroadcaster{}, nil, recorder, nil)
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	rec := &recordedMessages{}
	unregister := ch.OnUpdate(rec.add)

	own, _ := encodeMessage(newMessage(MessageClear, "proc-a", time.Now()))
	ch.handle(own)
	assert.Empty(t, rec.list())

	foreign, _ := encodeMessage(newMessage(MessageClear, "proc-b", time.Now()))
	ch.handle(foreign)
	ch.handle(foreign)
	assert.Len(t, rec.list(), 1)
	assert.Equal(t, 1, recorder.droppedCount("duplicate"))

	ch.handle([]byte("garbage"))
	assert.Equal(t, 1, recorder.droppedCount("malformed"))

	unregister()
	next, _ := encodeMessage(newMessage(MessageClear, "proc-b", time.Now()))
	ch.handle(next)
	assert.Len(t, rec.list(), 1)
}

// memLeases is an in-memory LeaseStore driven by a manual clock
type memLeases struct {
	mu     sync.Mutex
	now    time.Time
	leases map[string]types.Lease
	fail   bool
}

func newMemLeases() *memLeases {
	return &memLeases{now: time.Unix(1_700_000_000, 0), leases: make(map[string]types.Lease)}
}

func (m *memLeases) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *memLeases) ClaimLease(_ context.Context, name, holder string, liveness time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, assert.AnError
	}
	cur, ok := m.leases[name]
	if ok && cur.Holder != holder && !cur.RenewedAt.Before(m.now.Add(-liveness)) {
		return false, nil
	}
	m.leases[name] = types.Lease{Name: name, Holder: holder, RenewedAt: m.now}
	return true, nil
}

func (m *memLeases) RenewLease(_ context.Context, name, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, assert.AnError
	}
	cur, ok := m.leases[name]
	if !ok || cur.Holder != holder {
		return false, nil
	}
	cur.RenewedAt = m.now
	m.leases[name] = cur
	return true, nil
}

func (m *memLeases) ReleaseLease(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[name]; ok && cur.Holder == holder {
		delete(m.leases, name)
	}
	return nil
}

func (m *memLeases) ReadLease(_ context.Context, name string) (types.Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[name]
	return l, ok, nil
}

func TestElector_SingleLeaderAndFailover(t *testing.T) {
	leases := newMemLeases()
	ctx := context.Background()

	a := NewElector(leases, "proc-a", ElectorConfig{}, nil)
	b := NewElector(leases, "proc-b", ElectorConfig{}, nil)

	var transitions []bool
	a.OnChange(func(leader bool) { transitions = append(transitions, leader) })

	assert.True(t, a.Poll(ctx))
	assert.False(t, b.Poll(ctx))
	assert.Equal(t, "proc-a", b.LeaderID())

	// Heartbeats keep the lease fresh
	leases.advance(2 * time.Second)
	assert.True(t, a.Poll(ctx))
	leases.advance(3 * time.Second)
	assert.False(t, b.Poll(ctx))

	// proc-a stops renewing; after the liveness threshold proc-b takes over
	leases.advance(6 * time.Second)
	assert.True(t, b.Poll(ctx))
	assert.Equal(t, "proc-b", b.LeaderID())

	assert.False(t, a.Poll(ctx), "renewal of a stolen lease must fail")
	assert.Equal(t, []bool{true, false}, transitions)
	assert.Equal(t, "proc-b", a.LeaderID())
}

func TestElector_StepsDownOnStoreError(t *testing.T) {
	leases := newMemLeases()
	ctx := context.Background()
	e := NewElector(leases, "proc-a", ElectorConfig{}, nil)

	require.True(t, e.Poll(ctx))
	leases.fail = true
	assert.False(t, e.Poll(ctx))
}

func TestElector_CloseReleasesLease(t *testing.T) {
	leases := newMemLeases()
	ctx := context.Background()

	a := NewElector(leases, "proc-a", ElectorConfig{}, nil)
	a.Start(ctx)
	require.True(t, a.IsLeader())
	require.NoError(t, a.Close(ctx))
	assert.False(t, a.IsLeader())

	b := NewElector(leases, "proc-b", ElectorConfig{}, nil)
	assert.True(t, b.Poll(ctx), "released lease is immediately available")
}

func TestElector_WithSQLiteStore(t *testing.T) {
	s := store.New(store.Config{Path: filepath.Join(t.TempDir(), "cache.db")}, nil)
	defer s.Close()
	ctx := context.Background()

	a := NewElector(s, "proc-a", ElectorConfig{}, nil)
	b := NewElector(s, "proc-b", ElectorConfig{}, nil)

	assert.True(t, a.Poll(ctx))
	assert.False(t, b.Poll(ctx))
	assert.Equal(t, "proc-a", b.LeaderID())
}

func TestChannel_SyncAllAnsweredByLeader(t *testing.T) {
	hub := NewHub()
	leases := newMemLeases()

	leader, _ := newHubChannel(t, hub, "proc-a", leases)
	follower, recF := newHubChannel(t, hub, "proc-b", leases)
	require.True(t, leader.IsLeader())
	require.False(t, follower.IsLeader())
	assert.Equal(t, "proc-a", follower.LeaderID())

	leader.SetSnapshotFunc(func(limit int) []*types.Entry {
		assert.Equal(t, 500, limit)
		return []*types.Entry{sampleEntry("offer:1"), sampleEntry("offer:2")}
	})
	follower.SetSnapshotFunc(func(int) []*types.Entry {
		t.Error("non-leader must not answer sync requests")
		return nil
	})

	require.NoError(t, follower.SyncAll(context.Background()))

	msgs := recF.list()
	require.Len(t, msgs, 2)
	assert.Equal(t, "offer:1", msgs[0].Key)
	assert.Equal(t, "proc-a", msgs[1].Origin)
}

func TestSelectBroadcaster(t *testing.T) {
	ctx := context.Background()

	b, err := SelectBroadcaster(ctx, TransportConfig{Transport: TransportNone}, nil)
	require.NoError(t, err)
	assert.Equal(t, TransportNone, b.Name())

	_, err = SelectBroadcaster(ctx, TransportConfig{Transport: "pigeon"}, nil)
	assert.Error(t, err)

	_, err = SelectBroadcaster(ctx, TransportConfig{Transport: TransportMarker}, nil)
	assert.Error(t, err, "marker transport needs a directory")

	b, err = SelectBroadcaster(ctx, TransportConfig{
		Transport: TransportMarker,
		Directory: t.TempDir(),
		ProcessID: "proc-a",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, TransportMarker, b.Name())
	assert.NoError(t, b.Close())
}

func TestMarkerBroadcaster_DeliversToSiblings(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := NewMarkerBroadcaster(ctx, TransportConfig{Directory: dir, ProcessID: "proc-a"}, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewMarkerBroadcaster(ctx, TransportConfig{Directory: dir, ProcessID: "proc-b"}, nil)
	require.NoError(t, err)
	defer b.Close()

	var mu sync.Mutex
	var gotA, gotB [][]byte
	a.Subscribe(func(p []byte) { mu.Lock(); gotA = append(gotA, p); mu.Unlock() })
	b.Subscribe(func(p []byte) { mu.Lock(); gotB = append(gotB, p); mu.Unlock() })

	require.NoError(t, a.Publish(ctx, []byte(`{"hello":"b"}`)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotB) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, `{"hello":"b"}`, string(gotB[0]))
	assert.Empty(t, gotA, "own markers are ignored")
	mu.Unlock()
}

func TestMarkerBroadcaster_Sweep(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewMarkerBroadcaster(ctx, TransportConfig{Directory: dir, ProcessID: "proc-a", MarkerTTL: time.Minute}, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Publish(ctx, []byte("x")))
	require.NoError(t, b.Publish(ctx, []byte("y")))

	assert.Zero(t, b.sweep(time.Now()), "fresh markers survive")
	assert.Equal(t, 2, b.sweep(time.Now().Add(2*time.Minute)))

	entries, err := os.ReadDir(filepath.Join(dir, markerDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestZMQBroadcaster_DeliversToSiblings(t *testing.T) {
	ctx := context.Background()
	// Keep the ipc path short; unix socket paths are length-limited
	dir, err := os.MkdirTemp("", "uc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg := TransportConfig{Directory: dir, DiscoveryInterval: 50 * time.Millisecond}
	cfg.ProcessID = "a"
	a, err := NewZMQBroadcaster(ctx, cfg, nil)
	if err != nil {
		t.Skipf("zmq ipc transport unavailable: %v", err)
	}
	defer a.Close()
	cfg.ProcessID = "b"
	b, err := NewZMQBroadcaster(ctx, cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	received := make(chan []byte, 16)
	b.Subscribe(func(p []byte) { received <- p })

	// PUB/SUB drops messages until the subscription is established
	assert.Eventually(t, func() bool {
		_ = a.Publish(ctx, []byte("ping"))
		select {
		case p := <-received:
			return string(p) == "ping"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
}
