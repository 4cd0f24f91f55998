package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	base := filepath.Join(string(filepath.Separator), "var", "lib", "unicache")

	tests := []struct {
		name        string
		elements    []string
		want        string
		wantErr     bool
		errContains string
	}{
		{
			name:     "simple join",
			elements: []string{"markers", "abc.msg"},
			want:     filepath.Join(base, "markers", "abc.msg"),
		},
		{
			name:     "no elements",
			elements: nil,
			want:     base,
		},
		{
			name:        "traversal rejected",
			elements:    []string{"..", "..", "etc", "passwd"},
			wantErr:     true,
			errContains: "escapes base",
		},
		{
			name:        "hidden traversal rejected",
			elements:    []string{"markers", "../../../../tmp"},
			wantErr:     true,
			errContains: "escapes base",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecureJoin(base, tt.elements...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SecureJoin() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if got != tt.want {
				t.Errorf("SecureJoin() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := SecureJoin("", "x"); err == nil {
		t.Error("empty base should be rejected")
	}
}

func TestEnsureDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory at %s", dir)
	}
	if err := EnsureDir(dir); err != nil {
		t.Errorf("EnsureDir() should be idempotent, got %v", err)
	}
	if err := EnsureDir(""); err == nil {
		t.Error("EnsureDir(\"\") should fail")
	}
}
