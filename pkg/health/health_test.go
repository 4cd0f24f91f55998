package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/realtycrm/unicache/pkg/errors"
)

func newTestTracker(errorThreshold, unavailableThreshold int) *Tracker {
	tracker := NewTracker(Config{ErrorThreshold: errorThreshold, UnavailableThreshold: unavailableThreshold})
	for _, c := range []string{ComponentStore, ComponentSync, ComponentOffline} {
		tracker.RegisterComponent(c)
	}
	return tracker
}

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentStore)

	if state := tracker.State(ComponentStore); state != StateHealthy {
		t.Errorf("initial state = %s, want healthy", state)
	}
	if state := tracker.State("nope"); state != StateUnavailable {
		t.Errorf("unregistered component = %s, want unavailable", state)
	}

	// Reports for unknown components are dropped
	tracker.RecordError("nope", fmt.Errorf("boom"))
	if got := tracker.Components(); len(got) != 1 || got[0] != ComponentStore {
		t.Errorf("Components() = %v", got)
	}
}

func TestTracker_FailureStreaks(t *testing.T) {
	readErr := errors.Persistence("get", fmt.Errorf("database is locked"))
	writeErr := errors.Persistence("set", fmt.Errorf("disk I/O error"))
	syncErr := errors.SyncTransport("zmq", fmt.Errorf("socket closed"))

	tests := []struct {
		name      string
		component string
		err       error
		count     int
		want      State
	}{
		{"below threshold", ComponentStore, readErr, 2, StateHealthy},
		{"store reads degrade", ComponentStore, readErr, 3, StateDegraded},
		{"store writes go read-only", ComponentStore, writeErr, 3, StateReadOnly},
		{"sync failures degrade", ComponentSync, syncErr, 4, StateDegraded},
		{"long streak is unavailable", ComponentOffline, fmt.Errorf("replay failed"), 5, StateUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker(3, 5)
			for i := 0; i < tt.count; i++ {
				tracker.RecordError(tt.component, tt.err)
			}
			if got := tracker.State(tt.component); got != tt.want {
				t.Errorf("after %d errors state = %s, want %s", tt.count, got, tt.want)
			}
			status := tracker.Snapshot()[tt.component]
			if status.ConsecutiveErrors != tt.count || status.LastError == "" {
				t.Errorf("status = %+v", status)
			}
		})
	}
}

func TestTracker_SuccessRecovers(t *testing.T) {
	tracker := newTestTracker(2, 10)

	tracker.RecordError(ComponentSync, fmt.Errorf("publish failed"))
	tracker.RecordError(ComponentSync, fmt.Errorf("publish failed"))
	if tracker.State(ComponentSync) != StateDegraded {
		t.Fatalf("state = %s, want degraded", tracker.State(ComponentSync))
	}

	tracker.RecordSuccess(ComponentSync)
	status := tracker.Snapshot()[ComponentSync]
	if status.State != StateHealthy || status.ConsecutiveErrors != 0 || status.LastError != "" {
		t.Errorf("after success status = %+v", status)
	}
	if status.LastSuccessAt.IsZero() {
		t.Error("LastSuccessAt not recorded")
	}

	// A success between failures restarts the streak
	tracker.RecordError(ComponentSync, fmt.Errorf("publish failed"))
	tracker.RecordSuccess(ComponentSync)
	tracker.RecordError(ComponentSync, fmt.Errorf("publish failed"))
	if tracker.State(ComponentSync) != StateHealthy {
		t.Errorf("interleaved failures degraded the component")
	}
}

func TestIsWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", fmt.Errorf("boom"), false},
		{"store read", errors.Persistence("get", nil), false},
		{"store write", errors.Persistence("set", nil), true},
		{"queue write", errors.Persistence("enqueue_offline", nil), true},
		{"wrapped write", fmt.Errorf("outer: %w", errors.Persistence("clear", nil)), true},
		{"sync failure", errors.SyncTransport("zmq", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isWriteError(tt.err); got != tt.want {
				t.Errorf("isWriteError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTracker_Overall(t *testing.T) {
	if state := NewTracker(DefaultConfig()).Overall(); state != StateHealthy {
		t.Errorf("empty tracker = %s, want healthy", state)
	}

	tracker := newTestTracker(1, 3)
	tracker.RecordError(ComponentSync, fmt.Errorf("no transport"))
	if state := tracker.Overall(); state != StateDegraded {
		t.Errorf("Overall() = %s, want degraded", state)
	}

	for i := 0; i < 3; i++ {
		tracker.RecordError(ComponentOffline, fmt.Errorf("replay failed"))
	}
	if state := tracker.Overall(); state != StateUnavailable {
		t.Errorf("Overall() = %s, want unavailable", state)
	}
}

func TestTracker_OnTransition(t *testing.T) {
	tracker := newTestTracker(1, 3)

	var transitions []string
	tracker.OnTransition(func(tr Transition) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", tr.Component, tr.From, tr.To))
	})

	tracker.RecordError(ComponentStore, errors.Persistence("get", fmt.Errorf("locked")))
	tracker.RecordError(ComponentStore, errors.Persistence("get", fmt.Errorf("locked")))
	tracker.RecordSuccess(ComponentStore)
	tracker.RecordSuccess(ComponentStore)

	want := []string{"store:healthy->degraded", "store:degraded->healthy"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tracker := newTestTracker(1, 3)

	snapshot := tracker.Snapshot()
	status := snapshot[ComponentStore]
	status.State = StateUnavailable
	snapshot[ComponentStore] = status

	if tracker.State(ComponentStore) != StateHealthy {
		t.Error("Snapshot shares state with the tracker")
	}
	if len(snapshot) != 3 {
		t.Errorf("Snapshot() has %d components, want 3", len(snapshot))
	}
}

func TestTracker_Run(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 1, UnavailableThreshold: 5, CheckInterval: 10 * time.Millisecond})
	tracker.RegisterComponent(ComponentStore)
	tracker.RegisterComponent(ComponentSync)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	checked := map[string]int{}
	go tracker.Run(ctx, func(_ context.Context, component string) error {
		mu.Lock()
		checked[component]++
		mu.Unlock()
		if component == ComponentStore {
			return errors.Persistence("ping", fmt.Errorf("unable to open database file"))
		}
		return nil
	})

	deadline := time.Now().Add(time.Second)
	for tracker.State(ComponentStore) == StateHealthy {
		if time.Now().After(deadline) {
			t.Fatal("checks never marked the store degraded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if tracker.State(ComponentSync) != StateHealthy {
		t.Error("passing checks should keep sync healthy")
	}
	mu.Lock()
	defer mu.Unlock()
	if checked[ComponentSync] == 0 {
		t.Error("sync was never checked")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateHealthy, "healthy"},
		{StateDegraded, "degraded"},
		{StateReadOnly, "read-only"},
		{StateUnavailable, "unavailable"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}

	data, err := json.Marshal(map[string]State{"store": StateReadOnly})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"store":"read-only"}` {
		t.Errorf("JSON encoding = %s", data)
	}
}
