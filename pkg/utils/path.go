package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecureJoin joins path elements and rejects results that escape base.
// Coordination file names are derived from process IDs and message IDs, so
// every such name goes through here before touching the filesystem.
//
// Example usage:
//
//	markerPath, err := SecureJoin(syncDir, "markers", id+".msg")
//	if err != nil {
//		return fmt.Errorf("invalid marker path: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) && fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}

// EnsureDir creates dir (and parents) with owner-only permissions if missing
func EnsureDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
