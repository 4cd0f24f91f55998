package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/types"
	"github.com/realtycrm/unicache/pkg/utils"
)

// Recorder receives coordination counters
type Recorder interface {
	RecordSyncSent(msgType string)
	RecordSyncReceived(msgType string)
	RecordSyncDropped(reason string)
	RecordSyncError(transport string)
	SetLeader(leader bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordSyncSent(string)     {}
func (nopRecorder) RecordSyncReceived(string) {}
func (nopRecorder) RecordSyncDropped(string)  {}
func (nopRecorder) RecordSyncError(string)    {}
func (nopRecorder) SetLeader(bool)            {}

// SnapshotFunc lists up to limit fresh entries for a full-sync response
type SnapshotFunc func(limit int) []*types.Entry

// Config configures a Channel
type Config struct {
	// ProcessID identifies this process; generated when empty
	ProcessID      string
	Election       ElectorConfig
	ReplayTTL      time.Duration
	MaxSyncEntries int
	Now            func() time.Time
}

// Channel carries cache events between sibling processes and tracks
// which process is leader.
type Channel struct {
	config      Config
	broadcaster Broadcaster
	elector     *Elector
	recorder    Recorder
	logger      *zap.Logger
	replay      *replayCache

	mu       sync.RWMutex
	handlers map[int]func(Message)
	nextID   int
	snapshot SnapshotFunc
	started  bool
	closed   bool

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewChannel wires a broadcaster and an optional lease store. Without a
// lease store this process never becomes leader.
func NewChannel(config Config, broadcaster Broadcaster, leases LeaseStore, recorder Recorder, logger *zap.Logger) *Channel {
	if config.ProcessID == "" {
		config.ProcessID = uuid.NewString()
	}
	if config.ReplayTTL <= 0 {
		config.ReplayTTL = 60 * time.Second
	}
	if config.MaxSyncEntries <= 0 {
		config.MaxSyncEntries = 500
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	logger = utils.OrNop(logger).Named("coordination").With(zap.String("process_id", config.ProcessID))

	c := &Channel{
		config:      config,
		broadcaster: broadcaster,
		recorder:    recorder,
		logger:      logger,
		replay:      newReplayCache(config.ReplayTTL, config.Now),
		handlers:    make(map[int]func(Message)),
	}
	if leases != nil {
		c.elector = NewElector(leases, config.ProcessID, config.Election, logger)
		c.elector.OnChange(recorder.SetLeader)
	}
	return c
}

// Start subscribes to the transport and begins leader election
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return cacheerrors.NewError(cacheerrors.ErrCodeComponentStopped, "channel is closed").WithComponent("coordination")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.broadcaster.Subscribe(c.handle)
	if c.elector != nil {
		c.elector.Start(runCtx)
	}
	c.wg.Go(func() { c.pruneLoop(runCtx) })

	c.logger.Info("Coordination channel started", zap.String("transport", c.broadcaster.Name()))
	return nil
}

// Sync broadcasts a change to key. A nil entry broadcasts an invalidation.
func (c *Channel) Sync(ctx context.Context, key string, entry *types.Entry) error {
	var msg Message
	if entry == nil {
		msg = newMessage(MessageInvalidate, c.config.ProcessID, c.config.Now())
		msg.Key = key
	} else {
		msg = updateMessage(c.config.ProcessID, c.config.Now(), entry)
		msg.Key = key
	}
	return c.publish(ctx, msg)
}

// SyncClear broadcasts a full clear
func (c *Channel) SyncClear(ctx context.Context) error {
	return c.publish(ctx, newMessage(MessageClear, c.config.ProcessID, c.config.Now()))
}

// SyncAll asks the leader to re-broadcast its fresh entries
func (c *Channel) SyncAll(ctx context.Context) error {
	return c.publish(ctx, newMessage(MessageSyncRequest, c.config.ProcessID, c.config.Now()))
}

func (c *Channel) publish(ctx context.Context, msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return cacheerrors.SyncTransport(c.broadcaster.Name(), err)
	}
	// Our own echo, if the transport delivers one, is dropped by origin
	c.replay.Seen(msg.ID)

	if err := c.broadcaster.Publish(ctx, data); err != nil {
		c.recorder.RecordSyncError(c.broadcaster.Name())
		c.logger.Warn("Broadcast failed",
			zap.String("type", string(msg.Type)), zap.String("key", msg.Key), zap.Error(err))
		return err
	}
	c.recorder.RecordSyncSent(string(msg.Type))
	return nil
}

// OnUpdate registers a handler for inbound update, invalidate and clear
// messages. The returned function unregisters it.
func (c *Channel) OnUpdate(handler func(Message)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// SetSnapshotFunc installs the source used to answer sync requests
func (c *Channel) SetSnapshotFunc(fn SnapshotFunc) {
	c.mu.Lock()
	c.snapshot = fn
	c.mu.Unlock()
}

func (c *Channel) handle(data []byte) {
	msg, err := decodeMessage(data)
	if err != nil {
		c.recorder.RecordSyncDropped("malformed")
		c.logger.Debug("Dropping malformed message", zap.Error(err))
		return
	}
	if msg.Origin == c.config.ProcessID {
		return
	}
	if c.replay.Seen(msg.ID) {
		c.recorder.RecordSyncDropped("duplicate")
		return
	}
	c.recorder.RecordSyncReceived(string(msg.Type))

	if msg.Type == MessageSyncRequest {
		c.answerSyncRequest(msg)
		return
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	handlers := make([]func(Message), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// answerSyncRequest re-broadcasts fresh entries when this process leads
func (c *Channel) answerSyncRequest(req Message) {
	if !c.IsLeader() {
		return
	}
	c.mu.RLock()
	snapshot := c.snapshot
	c.mu.RUnlock()
	if snapshot == nil {
		return
	}

	entries := snapshot(c.config.MaxSyncEntries)
	c.logger.Info("Answering sync request",
		zap.String("requester", req.Origin), zap.Int("entries", len(entries)))

	for _, e := range entries {
		if err := c.publish(context.Background(), updateMessage(c.config.ProcessID, c.config.Now(), e)); err != nil {
			return
		}
	}
}

func (c *Channel) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.ReplayTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.replay.Prune()
		}
	}
}

// IsLeader reports whether this process holds the leadership lease
func (c *Channel) IsLeader() bool {
	return c.elector != nil && c.elector.IsLeader()
}

// LeaderID returns the current leader's process ID, if known
func (c *Channel) LeaderID() string {
	if c.elector == nil {
		return ""
	}
	return c.elector.LeaderID()
}

// ProcessID returns this process's identity
func (c *Channel) ProcessID() string {
	return c.config.ProcessID
}

// TransportName returns the active transport's name
func (c *Channel) TransportName() string {
	return c.broadcaster.Name()
}

// Elector exposes the elector, nil when election is disabled
func (c *Channel) Elector() *Elector {
	return c.elector
}

// Close stops election, releases the lease and closes the transport
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	var err error
	if c.elector != nil {
		ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		err = c.elector.Close(ctx)
		stop()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	return multierr.Append(err, c.broadcaster.Close())
}
