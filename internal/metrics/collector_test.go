package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/realtycrm/unicache/internal/coordination"
	"github.com/realtycrm/unicache/pkg/types"
)

// Compile-time checks that the collector plugs into both recorders
var (
	_ types.MetricsRecorder = (*Collector)(nil)
	_ coordination.Recorder = (*Collector)(nil)
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("enabled", func(t *testing.T) {
		c, err := NewCollector(DefaultConfig())
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if c.Registry() == nil {
			t.Error("enabled collector has no registry")
		}
		if !c.Enabled() {
			t.Error("Enabled() = false")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		c, err := NewCollector(Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if c.Registry() != nil {
			t.Error("disabled collector should not build a registry")
		}

		// Every recorder method must be safe
		c.RecordHit("memory")
		c.RecordMiss()
		c.RecordSet(types.StrategyStatic, 10)
		c.RecordDelete()
		c.RecordEviction(types.ReasonSizeLimit)
		c.RecordPersistenceError("set")
		c.UpdateSize(1, 1)
		c.RecordSyncSent("update")
		c.RecordSyncReceived("update")
		c.RecordSyncDropped("duplicate")
		c.RecordSyncError("zmq")
		c.SetLeader(true)
		c.SetOfflinePending(3)
		c.RecordOfflineReplay(false)

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("disabled handler status = %d, want 404", rec.Code)
		}
	})

	t.Run("separate registries do not collide", func(t *testing.T) {
		if _, err := NewCollector(DefaultConfig()); err != nil {
			t.Fatal(err)
		}
		if _, err := NewCollector(DefaultConfig()); err != nil {
			t.Errorf("second collector error = %v", err)
		}
	})
}

func TestCollector_CacheSeries(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(Config{Enabled: true, Namespace: "uc"})
	if err != nil {
		t.Fatal(err)
	}

	c.RecordHit("memory")
	c.RecordHit("memory")
	c.RecordHit("store")
	c.RecordMiss()
	c.RecordSet(types.StrategyCritical, 512)
	c.RecordDelete()
	c.RecordEviction(types.ReasonSizeLimit)
	c.RecordPersistenceError("set")
	c.UpdateSize(2048, 7)

	body := scrape(t, c)
	wants := []string{
		`uc_cache_requests_total{result="hit",tier="memory"} 2`,
		`uc_cache_requests_total{result="hit",tier="store"} 1`,
		`uc_cache_requests_total{result="miss",tier="none"} 1`,
		`uc_cache_sets_total{strategy="CRITICAL"} 1`,
		`uc_cache_deletes_total 1`,
		`uc_cache_evictions_total{reason="size_limit"} 1`,
		`uc_persistence_errors_total{operation="set"} 1`,
		`uc_cache_memory_bytes 2048`,
		`uc_cache_memory_entries 7`,
	}
	for _, want := range wants {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestCollector_CoordinationAndOfflineSeries(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(Config{Enabled: true, Namespace: "uc", Labels: map[string]string{"app": "crm"}})
	if err != nil {
		t.Fatal(err)
	}

	c.RecordSyncSent("update")
	c.RecordSyncReceived("clear")
	c.RecordSyncDropped("duplicate")
	c.RecordSyncError("marker")
	c.SetLeader(true)
	c.SetOfflinePending(4)
	c.RecordOfflineReplay(true)
	c.RecordOfflineReplay(false)

	body := scrape(t, c)
	wants := []string{
		`uc_sync_messages_total{app="crm",direction="sent",type="update"} 1`,
		`uc_sync_messages_total{app="crm",direction="received",type="clear"} 1`,
		`uc_sync_dropped_total{app="crm",reason="duplicate"} 1`,
		`uc_sync_errors_total{app="crm",transport="marker"} 1`,
		`uc_leader{app="crm"} 1`,
		`uc_offline_queue_pending{app="crm"} 4`,
		`uc_offline_replays_total{app="crm",result="success"} 1`,
		`uc_offline_replays_total{app="crm",result="exhausted"} 1`,
	}
	for _, want := range wants {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}

	c.SetLeader(false)
	if !strings.Contains(scrape(t, c), `uc_leader{app="crm"} 0`) {
		t.Error("leader gauge did not drop to 0")
	}
}
