package coordination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/utils"
)

const socketSuffix = ".sock"

// ZMQBroadcaster publishes on its own PUB socket and subscribes to the PUB
// sockets of every sibling found in the coordination directory.
type ZMQBroadcaster struct {
	dir       string
	processID string
	interval  time.Duration
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pub      zmq4.Socket
	sub      zmq4.Socket
	sockPath string

	mu      sync.RWMutex
	peers   map[string]struct{}
	handler func([]byte)
	closed  bool

	sendMu sync.Mutex
	wg     conc.WaitGroup
}

// NewZMQBroadcaster binds this process's PUB socket and starts peer
// discovery. It fails when the socket cannot be bound, which is how
// SelectBroadcaster detects zmq availability.
func NewZMQBroadcaster(ctx context.Context, cfg TransportConfig, logger *zap.Logger) (*ZMQBroadcaster, error) {
	if cfg.Directory == "" || cfg.ProcessID == "" {
		return nil, fmt.Errorf("zmq transport needs a directory and a process id")
	}
	if err := utils.EnsureDir(cfg.Directory); err != nil {
		return nil, err
	}
	interval := cfg.DiscoveryInterval
	if interval <= 0 {
		interval = time.Second
	}

	sockPath, err := utils.SecureJoin(cfg.Directory, cfg.ProcessID+socketSuffix)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(sockPath)

	zctx, cancel := context.WithCancel(ctx)
	b := &ZMQBroadcaster{
		dir:       cfg.Directory,
		processID: cfg.ProcessID,
		interval:  interval,
		logger:    utils.OrNop(logger).With(zap.String("transport", TransportZMQ)),
		ctx:       zctx,
		cancel:    cancel,
		sockPath:  sockPath,
		peers:     make(map[string]struct{}),
	}

	b.pub = zmq4.NewPub(zctx)
	if err := b.pub.Listen("ipc://" + sockPath); err != nil {
		cancel()
		_ = b.pub.Close()
		return nil, fmt.Errorf("failed to bind pub socket %s: %w", sockPath, err)
	}

	b.sub = zmq4.NewSub(zctx)
	if err := b.sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		_ = b.pub.Close()
		_ = b.sub.Close()
		_ = os.Remove(sockPath)
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.discover()
	b.wg.Go(b.discoveryLoop)
	b.wg.Go(b.receiveLoop)

	b.logger.Info("ZeroMQ broadcaster started", zap.String("socket", sockPath))
	return b, nil
}

// Publish sends payload to all connected subscribers
func (b *ZMQBroadcaster) Publish(_ context.Context, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return cacheerrors.SyncTransport(TransportZMQ, fmt.Errorf("broadcaster closed"))
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if err := b.pub.Send(zmq4.NewMsg(payload)); err != nil {
		return cacheerrors.SyncTransport(TransportZMQ, err)
	}
	return nil
}

func (b *ZMQBroadcaster) Subscribe(handler func([]byte)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

func (b *ZMQBroadcaster) Name() string { return TransportZMQ }

// Peers returns the number of sibling sockets this process subscribes to
func (b *ZMQBroadcaster) Peers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Close stops the loops, closes both sockets and removes the socket file
func (b *ZMQBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	// Errors during shutdown are expected once the context is cancelled
	_ = b.sub.Close()
	_ = b.pub.Close()
	b.wg.Wait()

	if err := os.Remove(b.sockPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *ZMQBroadcaster) discoveryLoop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.discover()
		}
	}
}

// discover dials every sibling socket not yet connected
func (b *ZMQBroadcaster) discover() {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*"+socketSuffix))
	if err != nil {
		return
	}

	for _, path := range matches {
		if path == b.sockPath {
			continue
		}
		b.mu.RLock()
		_, known := b.peers[path]
		b.mu.RUnlock()
		if known {
			continue
		}

		if err := b.sub.Dial("ipc://" + path); err != nil {
			// Usually a socket left behind by a crashed sibling
			b.logger.Debug("Failed to dial peer socket", zap.String("socket", path), zap.Error(err))
			continue
		}

		b.mu.Lock()
		b.peers[path] = struct{}{}
		b.mu.Unlock()
		b.logger.Debug("Subscribed to peer",
			zap.String("peer", strings.TrimSuffix(filepath.Base(path), socketSuffix)))
	}
}

func (b *ZMQBroadcaster) receiveLoop() {
	for {
		msg, err := b.sub.Recv()
		if err != nil {
			select {
			case <-b.ctx.Done():
				return
			default:
			}
			b.logger.Debug("Receive failed", zap.Error(err))
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		b.mu.RLock()
		handler := b.handler
		b.mu.RUnlock()
		if handler != nil {
			handler(msg.Bytes())
		}
	}
}
