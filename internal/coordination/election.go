package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/realtycrm/unicache/pkg/types"
	"github.com/realtycrm/unicache/pkg/utils"
)

// DefaultLeaseName is the lease row shared by all siblings of a cache
const DefaultLeaseName = "unicache-leader"

// LeaseStore persists the shared leadership record
type LeaseStore interface {
	ClaimLease(ctx context.Context, name, holder string, liveness time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, holder string) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	ReadLease(ctx context.Context, name string) (types.Lease, bool, error)
}

// ElectorConfig configures lease-based leader election
type ElectorConfig struct {
	LeaseName         string
	LivenessThreshold time.Duration
	HeartbeatInterval time.Duration
	CheckInterval     time.Duration
}

func (c *ElectorConfig) setDefaults() {
	if c.LeaseName == "" {
		c.LeaseName = DefaultLeaseName
	}
	if c.LivenessThreshold <= 0 {
		c.LivenessThreshold = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 3 * time.Second
	}
}

// Elector runs advisory leader election over a LeaseStore. At most one
// process holds a fresh lease; a crashed leader is replaced once its lease
// is older than the liveness threshold.
type Elector struct {
	config ElectorConfig
	store  LeaseStore
	id     string
	logger *zap.Logger

	mu       sync.RWMutex
	leader   bool
	leaderID string
	onChange []func(bool)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       conc.WaitGroup
}

// NewElector creates an elector for process id
func NewElector(store LeaseStore, id string, config ElectorConfig, logger *zap.Logger) *Elector {
	config.setDefaults()
	return &Elector{
		config: config,
		store:  store,
		id:     id,
		logger: utils.OrNop(logger).Named("election"),
		stopCh: make(chan struct{}),
	}
}

// OnChange registers a callback for leadership transitions of this process
func (e *Elector) OnChange(fn func(leader bool)) {
	e.mu.Lock()
	e.onChange = append(e.onChange, fn)
	e.mu.Unlock()
}

// Start campaigns once and then keeps the lease fresh or re-checks it
func (e *Elector) Start(ctx context.Context) {
	e.Poll(ctx)
	e.wg.Go(func() { e.loop(ctx) })
}

func (e *Elector) loop(ctx context.Context) {
	timer := time.NewTimer(e.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-timer.C:
			e.Poll(ctx)
			timer.Reset(e.nextInterval())
		}
	}
}

func (e *Elector) nextInterval() time.Duration {
	if e.IsLeader() {
		return e.config.HeartbeatInterval
	}
	return e.config.CheckInterval
}

// Poll performs one election step: the leader renews, everyone else tries
// to claim a free or stale lease.
func (e *Elector) Poll(ctx context.Context) bool {
	if e.IsLeader() {
		ok, err := e.store.RenewLease(ctx, e.config.LeaseName, e.id)
		if err != nil {
			e.logger.Warn("Failed to renew leadership lease", zap.Error(err))
		}
		if err != nil || !ok {
			e.setLeader(false)
		}
	} else {
		ok, err := e.store.ClaimLease(ctx, e.config.LeaseName, e.id, e.config.LivenessThreshold)
		if err != nil {
			e.logger.Debug("Failed to claim leadership lease", zap.Error(err))
		} else if ok {
			e.setLeader(true)
		}
	}

	e.refreshLeaderID(ctx)
	return e.IsLeader()
}

func (e *Elector) refreshLeaderID(ctx context.Context) {
	lease, found, err := e.store.ReadLease(ctx, e.config.LeaseName)
	if err != nil {
		return
	}
	e.mu.Lock()
	if found {
		e.leaderID = lease.Holder
	} else {
		e.leaderID = ""
	}
	e.mu.Unlock()
}

func (e *Elector) setLeader(leader bool) {
	e.mu.Lock()
	if e.leader == leader {
		e.mu.Unlock()
		return
	}
	e.leader = leader
	if leader {
		e.leaderID = e.id
	}
	callbacks := append(([]func(bool))(nil), e.onChange...)
	e.mu.Unlock()

	if leader {
		e.logger.Info("Acquired leadership", zap.String("process_id", e.id))
	} else {
		e.logger.Info("Lost leadership", zap.String("process_id", e.id))
	}
	for _, fn := range callbacks {
		fn(leader)
	}
}

// IsLeader reports whether this process currently holds the lease
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

// LeaderID returns the last observed lease holder, empty when unknown
func (e *Elector) LeaderID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leaderID
}

// Close stops campaigning and releases the lease if held
func (e *Elector) Close(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	if !e.IsLeader() {
		return nil
	}
	err := e.store.ReleaseLease(ctx, e.config.LeaseName, e.id)
	e.setLeader(false)
	e.mu.Lock()
	e.leaderID = ""
	e.mu.Unlock()
	return err
}
