/*
Package config provides configuration management for unicache with YAML files and environment overrides.

# Configuration Sources

Sources are applied in order, later sources overriding earlier ones:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (UNICACHE_*)                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│           (NewDefault)                      │
	└─────────────────────────────────────────────┘

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/unicache/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

# Example File

	global:
	  log_level: INFO
	  log_file: /var/log/unicache/unicache.log
	cache:
	  max_size: 50MiB
	  gc_interval: 10m
	  compression:
	    enabled: true
	    algorithm: zstd
	  encryption:
	    enabled: false
	store:
	  path: /var/lib/unicache/cache.db
	sync:
	  transport: auto
	  directory: /run/unicache
	  liveness_threshold: 5s
	  heartbeat_interval: 2s
	  check_interval: 3s
	offline:
	  max_retries: 3
	  probe_address: api.internal:443

# Environment Variables

	UNICACHE_LOG_LEVEL            global.log_level
	UNICACHE_LOG_FILE             global.log_file
	UNICACHE_INSTANCE_ID          global.instance_id
	UNICACHE_MAX_SIZE             cache.max_size
	UNICACHE_GC_INTERVAL          cache.gc_interval
	UNICACHE_COMPRESSION_ENABLED  cache.compression.enabled
	UNICACHE_ENCRYPTION_ENABLED   cache.encryption.enabled
	UNICACHE_ENCRYPTION_SECRET    cache.encryption.secret
	UNICACHE_STORE_PATH           store.path
	UNICACHE_STORE_ENABLED        store.enabled
	UNICACHE_SYNC_TRANSPORT       sync.transport
	UNICACHE_SYNC_DIR             sync.directory
	UNICACHE_OFFLINE_MAX_RETRIES  offline.max_retries
	UNICACHE_PROBE_ADDRESS        offline.probe_address
	UNICACHE_API_ADDRESS          monitoring.api.address (also enables the API)
*/
package config
