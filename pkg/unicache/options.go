package unicache

import (
	"fmt"
	"time"

	"github.com/realtycrm/unicache/internal/cache"
	"github.com/realtycrm/unicache/internal/config"
	"github.com/realtycrm/unicache/internal/coordination"
	"github.com/realtycrm/unicache/internal/transform"
	"github.com/realtycrm/unicache/pkg/retry"
)

// Options configures a UnifiedCache
type Options struct {
	Cache     cache.Config
	Transform transform.Options
	Sync      coordination.Config
	Offline   OfflineOptions
	Hooks     cache.Hooks
}

// OfflineOptions configures the offline write queue
type OfflineOptions struct {
	// MaxRetries is the attempt budget given to each queued write
	MaxRetries int
	Retry      retry.Config
	// Replay delivers one queued write once the process is back online. The
	// default applies the write locally and broadcasts it to siblings.
	Replay ReplayFunc
}

// DefaultOptions returns the defaults: a 50MiB memory tier, compression on,
// encryption off and three replay attempts per queued write
func DefaultOptions() Options {
	retryConfig := retry.DefaultConfig()
	retryConfig.InitialDelay = 500 * time.Millisecond

	return Options{
		Cache: cache.DefaultConfig(),
		Transform: transform.Options{
			Algorithm: transform.AlgorithmZstd,
			Order:     transform.OrderCompressThenEncrypt,
		},
		Offline: OfflineOptions{
			MaxRetries: 3,
			Retry:      retryConfig,
		},
	}
}

// OptionsFromConfig maps a loaded configuration onto Options
func OptionsFromConfig(cfg *config.Configuration) (Options, error) {
	opts := DefaultOptions()

	maxSize, err := cfg.MaxSizeBytes()
	if err != nil {
		return opts, err
	}
	opts.Cache.MaxSize = maxSize
	opts.Cache.GCInterval = cfg.Cache.GCInterval
	opts.Cache.Version = cfg.Cache.Version
	opts.Cache.Compress = cfg.Cache.Compression.Enabled
	opts.Cache.Encrypt = cfg.Cache.Encryption.Enabled

	opts.Transform = transform.Options{
		Algorithm: cfg.Cache.Compression.Algorithm,
		Order:     cfg.Cache.Encryption.Order,
		Secret:    cfg.Cache.Encryption.Secret,
	}
	if opts.Cache.Encrypt && opts.Transform.Secret == "" {
		return opts, fmt.Errorf("encryption enabled without a secret")
	}

	opts.Sync = coordination.Config{
		ProcessID: cfg.Global.InstanceID,
		Election: coordination.ElectorConfig{
			LivenessThreshold: cfg.Sync.LivenessThreshold,
			HeartbeatInterval: cfg.Sync.HeartbeatInterval,
			CheckInterval:     cfg.Sync.CheckInterval,
		},
		MaxSyncEntries: cfg.Sync.MaxSyncEntries,
	}

	opts.Offline.MaxRetries = cfg.Offline.MaxRetries
	opts.Offline.Retry.InitialDelay = cfg.Offline.Retry.InitialDelay
	opts.Offline.Retry.MaxDelay = cfg.Offline.Retry.MaxDelay
	opts.Offline.Retry.Multiplier = cfg.Offline.Retry.Multiplier

	return opts, nil
}

// TransportConfig returns the broadcaster settings for cfg's sync section
func TransportConfig(cfg *config.Configuration) coordination.TransportConfig {
	transport := cfg.Sync.Transport
	if !cfg.Sync.Enabled {
		transport = coordination.TransportNone
	}
	return coordination.TransportConfig{
		Transport:         transport,
		Directory:         cfg.Sync.Directory,
		ProcessID:         cfg.Global.InstanceID,
		DiscoveryInterval: cfg.Sync.DiscoveryInterval,
		MarkerTTL:         cfg.Sync.MarkerTTL,
	}
}
