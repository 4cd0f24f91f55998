package unicache

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualConnectivity(t *testing.T) {
	t.Parallel()

	m := NewManualConnectivity(true)
	assert.True(t, m.Online())

	var mu sync.Mutex
	var order []string
	stopA := m.Subscribe(func(online bool) {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
	})
	m.Subscribe(func(online bool) {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
	})

	m.Set(true)
	assert.Empty(t, order, "an unchanged state notifies nobody")

	m.Set(false)
	assert.False(t, m.Online())
	assert.Equal(t, []string{"a", "b"}, order)

	stopA()
	m.Set(true)
	assert.Equal(t, []string{"a", "b", "b"}, order)
}

type fakeDialer struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (d *fakeDialer) dial(network, address string, timeout time.Duration) (net.Conn, error) {
	d.calls.Add(1)
	if !d.up.Load() {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func TestProbeConnectivity(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	p := newProbeConnectivity(context.Background(), ProbeConfig{
		Address:  "crm.internal:443",
		Interval: 5 * time.Millisecond,
	}, d.dial, nil)
	t.Cleanup(func() { _ = p.Close() })

	assert.False(t, p.Online(), "the first probe seeds the state")

	changes := make(chan bool, 4)
	p.Subscribe(func(online bool) { changes <- online })

	d.up.Store(true)
	select {
	case online := <-changes:
		assert.True(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("probe never reported the host online")
	}

	d.up.Store(false)
	require.Eventually(t, func() bool { return !p.Online() }, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, d.calls.Load(), int32(2))
}

func TestProbeConnectivityDrivesCache(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	d.up.Store(true)
	p := newProbeConnectivity(context.Background(), ProbeConfig{Interval: 5 * time.Millisecond}, d.dial, nil)
	t.Cleanup(func() { _ = p.Close() })

	c := newTestCache(t, testOptions(newFakeClock()), Dependencies{Connectivity: p})
	require.True(t, c.IsOnline())

	d.up.Store(false)
	require.Eventually(t, func() bool { return !c.IsOnline() }, 2*time.Second, 5*time.Millisecond)
}
