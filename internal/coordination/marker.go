package coordination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/utils"
)

const (
	markerDir    = "markers"
	markerSuffix = ".msg"
	tmpSuffix    = ".tmp"
)

// MarkerBroadcaster writes each message as a short-lived file in a shared
// directory. Siblings see new files through fsnotify. Files are written to a
// temporary name and renamed so readers never observe partial content.
type MarkerBroadcaster struct {
	dir       string
	processID string
	ttl       time.Duration
	logger    *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	handler func([]byte)
	closed  bool

	wg conc.WaitGroup
}

// NewMarkerBroadcaster prepares the marker directory and starts watching it
func NewMarkerBroadcaster(ctx context.Context, cfg TransportConfig, logger *zap.Logger) (*MarkerBroadcaster, error) {
	if cfg.Directory == "" || cfg.ProcessID == "" {
		return nil, fmt.Errorf("marker transport needs a directory and a process id")
	}
	dir, err := utils.SecureJoin(cfg.Directory, markerDir)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, err
	}

	// Probe writability up front so selection can fall through
	probe, err := os.CreateTemp(dir, ".probe-*"+tmpSuffix)
	if err != nil {
		return nil, fmt.Errorf("marker directory not writable: %w", err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify unavailable: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ttl := cfg.MarkerTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}

	mctx, cancel := context.WithCancel(ctx)
	b := &MarkerBroadcaster{
		dir:       dir,
		processID: cfg.ProcessID,
		ttl:       ttl,
		logger:    utils.OrNop(logger).With(zap.String("transport", TransportMarker)),
		ctx:       mctx,
		cancel:    cancel,
		watcher:   watcher,
	}

	b.wg.Go(b.watchLoop)
	b.wg.Go(b.sweepLoop)

	b.logger.Info("Marker broadcaster started", zap.String("directory", dir))
	return b, nil
}

// Publish writes payload as a new marker file
func (b *MarkerBroadcaster) Publish(_ context.Context, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return cacheerrors.SyncTransport(TransportMarker, fmt.Errorf("broadcaster closed"))
	}

	tmp, err := os.CreateTemp(b.dir, "."+b.processID+"-*"+tmpSuffix)
	if err != nil {
		return cacheerrors.SyncTransport(TransportMarker, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return cacheerrors.SyncTransport(TransportMarker, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return cacheerrors.SyncTransport(TransportMarker, err)
	}

	name := fmt.Sprintf("%d-%s-%s%s", time.Now().UnixNano(), b.processID, uuid.NewString(), markerSuffix)
	if err := os.Rename(tmp.Name(), filepath.Join(b.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return cacheerrors.SyncTransport(TransportMarker, err)
	}
	return nil
}

func (b *MarkerBroadcaster) Subscribe(handler func([]byte)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

func (b *MarkerBroadcaster) Name() string { return TransportMarker }

// Close stops the watcher and the sweeper
func (b *MarkerBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	err := b.watcher.Close()
	b.wg.Wait()
	return err
}

func (b *MarkerBroadcaster) watchLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			b.handleFile(event.Name)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("Marker watcher error", zap.Error(err))
		}
	}
}

func (b *MarkerBroadcaster) handleFile(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, markerSuffix) || b.isOwn(base) {
		return
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the watched marker directory
	if err != nil {
		// Swept or replaced before we got to it
		if !os.IsNotExist(err) {
			b.logger.Debug("Failed to read marker", zap.String("marker", base), zap.Error(err))
		}
		return
	}

	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(data)
	}
}

// isOwn reports whether a marker was written by this process
func (b *MarkerBroadcaster) isOwn(base string) bool {
	i := strings.IndexByte(base, '-')
	return i >= 0 && strings.HasPrefix(base[i+1:], b.processID+"-")
}

func (b *MarkerBroadcaster) sweepLoop() {
	ticker := time.NewTicker(b.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.sweep(time.Now())
		}
	}
}

// sweep removes markers older than the TTL. Any process may sweep any marker.
func (b *MarkerBroadcaster) sweep(now time.Time) int {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.logger.Warn("Failed to list markers", zap.Error(err))
		return 0
	}

	cutoff := now.Add(-b.ttl)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, markerSuffix) && !strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		if markerTime(name, entry).After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, name)); err == nil {
			removed++
		}
	}
	return removed
}

// markerTime prefers the timestamp encoded in the name over the mtime
func markerTime(name string, entry os.DirEntry) time.Time {
	if i := strings.IndexByte(name, '-'); i > 0 {
		if ns, err := strconv.ParseInt(name[:i], 10, 64); err == nil {
			return time.Unix(0, ns)
		}
	}
	info, err := entry.Info()
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
