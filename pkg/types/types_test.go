package types

import (
	"testing"
	"time"
)

func TestStrategy_DefaultTTL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		strategy Strategy
		want     time.Duration
	}{
		{StrategyStatic, 30 * time.Minute},
		{StrategyDynamic, 30 * time.Second},
		{StrategyRealtime, 0},
		{StrategyCritical, 10 * time.Second},
		{StrategyHistorical, 5 * time.Minute},
		{Strategy("BOGUS"), 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			if got := tt.strategy.DefaultTTL(); got != tt.want {
				t.Errorf("DefaultTTL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    Strategy
		wantErr bool
	}{
		{"STATIC", StrategyStatic, false},
		{"critical", StrategyCritical, false},
		{" Historical ", StrategyHistorical, false},
		{"weekly", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStrategy(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStrategy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseStrategy(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEntry_IsExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"never expires", Entry{Strategy: StrategyStatic}, false},
		{"fresh", Entry{Strategy: StrategyDynamic, ExpiresAt: now.Add(time.Second)}, false},
		{"exactly at expiry", Entry{Strategy: StrategyDynamic, ExpiresAt: now}, true},
		{"past expiry", Entry{Strategy: StrategyDynamic, ExpiresAt: now.Add(-time.Nanosecond)}, true},
		{"zero ttl", Entry{Strategy: StrategyRealtime, Timestamp: now, ExpiresAt: now}, true},
		{"realtime with explicit ttl", Entry{Strategy: StrategyRealtime, Timestamp: now, ExpiresAt: now.Add(time.Minute)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.IsExpired(now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_CloneIsDeep(t *testing.T) {
	t.Parallel()

	original := &Entry{Key: "k", Metadata: Metadata{Tags: []string{"a"}}}
	clone := original.Clone()
	clone.Metadata.Tags[0] = "b"

	if original.Metadata.Tags[0] != "a" {
		t.Error("Clone shares the tag slice with the original")
	}
	if (*Entry)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestCalculateHitRate(t *testing.T) {
	t.Parallel()

	if got := CalculateHitRate(0, 0); got != 0 {
		t.Errorf("hit rate with no requests = %v, want 0", got)
	}
	if got := CalculateHitRate(3, 1); got != 0.75 {
		t.Errorf("hit rate = %v, want 0.75", got)
	}
}

func TestSetOptions_Defaults(t *testing.T) {
	t.Parallel()

	var opts SetOptions
	if !opts.ShouldPersist() || !opts.ShouldSync() {
		t.Error("zero SetOptions should persist and sync")
	}

	opts.Persist = Bool(false)
	opts.SyncAcrossProcesses = Bool(false)
	if opts.ShouldPersist() || opts.ShouldSync() {
		t.Error("explicit false should disable persist and sync")
	}
}
