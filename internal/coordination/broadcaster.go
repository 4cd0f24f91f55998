package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/utils"
)

// Transport names
const (
	TransportAuto   = "auto"
	TransportZMQ    = "zmq"
	TransportMarker = "marker"
	TransportNone   = "none"
	TransportHub    = "hub"
)

// Broadcaster delivers opaque payloads to sibling processes. Delivery is
// best-effort: no ordering and no acknowledgement.
type Broadcaster interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe registers the inbound handler. It is called from the
	// transport's receive goroutine.
	Subscribe(handler func([]byte))
	Name() string
	Close() error
}

// TransportConfig selects and configures a Broadcaster
type TransportConfig struct {
	Transport         string
	Directory         string
	ProcessID         string
	DiscoveryInterval time.Duration
	MarkerTTL         time.Duration
}

// SelectBroadcaster builds the configured transport. With "auto" it tries
// zmq first and falls back to marker files.
func SelectBroadcaster(ctx context.Context, cfg TransportConfig, logger *zap.Logger) (Broadcaster, error) {
	logger = utils.OrNop(logger).Named("coordination")

	switch cfg.Transport {
	case TransportNone:
		return NopBroadcaster{}, nil
	case TransportZMQ:
		return NewZMQBroadcaster(ctx, cfg, logger)
	case TransportMarker:
		return NewMarkerBroadcaster(ctx, cfg, logger)
	case TransportAuto, "":
		zb, zerr := NewZMQBroadcaster(ctx, cfg, logger)
		if zerr == nil {
			return zb, nil
		}
		logger.Warn("ZeroMQ transport unavailable, falling back to marker files", zap.Error(zerr))

		mb, merr := NewMarkerBroadcaster(ctx, cfg, logger)
		if merr == nil {
			return mb, nil
		}
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeSyncTransportUnavailable, "no coordination transport available").
			WithComponent("coordination").
			WithDetail("zmq", zerr.Error()).
			WithDetail("marker", merr.Error()).
			WithCause(merr)
	default:
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown sync transport %q", cfg.Transport)).WithComponent("coordination")
	}
}

// NopBroadcaster drops everything. Used when sync is disabled.
type NopBroadcaster struct{}

func (NopBroadcaster) Publish(context.Context, []byte) error { return nil }
func (NopBroadcaster) Subscribe(func([]byte))                {}
func (NopBroadcaster) Name() string                          { return TransportNone }
func (NopBroadcaster) Close() error                          { return nil }

// Hub is an in-process transport connecting several caches in one process
type Hub struct {
	mu      sync.RWMutex
	members map[*HubBroadcaster]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{members: make(map[*HubBroadcaster]struct{})}
}

// Join returns a broadcaster attached to the hub
func (h *Hub) Join() *HubBroadcaster {
	b := &HubBroadcaster{hub: h}
	h.mu.Lock()
	h.members[b] = struct{}{}
	h.mu.Unlock()
	return b
}

// HubBroadcaster is one member of a Hub
type HubBroadcaster struct {
	hub *Hub

	mu      sync.RWMutex
	handler func([]byte)
	closed  bool
}

// Publish delivers payload synchronously to every other member
func (b *HubBroadcaster) Publish(_ context.Context, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return cacheerrors.SyncTransport(TransportHub, fmt.Errorf("broadcaster closed"))
	}

	b.hub.mu.RLock()
	targets := make([]*HubBroadcaster, 0, len(b.hub.members))
	for m := range b.hub.members {
		if m != b {
			targets = append(targets, m)
		}
	}
	b.hub.mu.RUnlock()

	for _, m := range targets {
		m.deliver(payload)
	}
	return nil
}

func (b *HubBroadcaster) deliver(payload []byte) {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(append([]byte(nil), payload...))
	}
}

func (b *HubBroadcaster) Subscribe(handler func([]byte)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

func (b *HubBroadcaster) Name() string { return TransportHub }

// Close detaches from the hub
func (b *HubBroadcaster) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handler = nil
	b.mu.Unlock()

	b.hub.mu.Lock()
	delete(b.hub.members, b)
	b.hub.mu.Unlock()
	return nil
}
