package unicache

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/realtycrm/unicache/pkg/utils"
)

// Connectivity reports whether the host is online and notifies on changes
type Connectivity interface {
	Online() bool
	// Subscribe registers fn for state changes and returns a function that
	// removes it
	Subscribe(fn func(online bool)) func()
}

// ManualConnectivity is switched by the caller
type ManualConnectivity struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewManualConnectivity starts in the given state
func NewManualConnectivity(online bool) *ManualConnectivity {
	return &ManualConnectivity{online: online, subs: make(map[int]func(bool))}
}

func (m *ManualConnectivity) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ManualConnectivity) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Set changes the state, notifying subscribers in registration order when it
// differs from the current one
func (m *ManualConnectivity) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, m.subs[id])
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// ProbeConfig configures a ProbeConnectivity
type ProbeConfig struct {
	// Address is a host:port dialled over TCP
	Address  string
	Interval time.Duration
	Timeout  time.Duration
}

// ProbeConnectivity considers the host online while a TCP dial to a known
// address succeeds
type ProbeConnectivity struct {
	*ManualConnectivity

	config ProbeConfig
	dial   func(network, address string, timeout time.Duration) (net.Conn, error)
	logger *zap.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        conc.WaitGroup
}

// NewProbeConnectivity probes once synchronously to seed the state, then
// keeps probing in the background until Close
func NewProbeConnectivity(ctx context.Context, config ProbeConfig, logger *zap.Logger) *ProbeConnectivity {
	return newProbeConnectivity(ctx, config, net.DialTimeout, logger)
}

func newProbeConnectivity(ctx context.Context, config ProbeConfig, dial func(string, string, time.Duration) (net.Conn, error), logger *zap.Logger) *ProbeConnectivity {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}

	p := &ProbeConnectivity{
		config: config,
		dial:   dial,
		logger: utils.OrNop(logger).Named("connectivity").With(zap.String("address", config.Address)),
	}
	p.ManualConnectivity = NewManualConnectivity(p.probe())

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Go(func() { p.loop(runCtx) })
	return p
}

func (p *ProbeConnectivity) loop(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := p.probe()
			if online != p.Online() {
				p.logger.Info("Connectivity changed", zap.Bool("online", online))
			}
			p.Set(online)
		}
	}
}

func (p *ProbeConnectivity) probe() bool {
	conn, err := p.dial("tcp", p.config.Address, p.config.Timeout)
	if err != nil {
		p.logger.Debug("Connectivity probe failed", zap.Error(err))
		return false
	}
	_ = conn.Close()
	return true
}

// Close stops probing
func (p *ProbeConnectivity) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
	return nil
}
