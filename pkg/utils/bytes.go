package utils

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseBytes parses a human-readable size such as "50MiB" or "512KB".
// A bare "MB" suffix is read as binary megabytes, matching how cache sizes
// are written in configuration files.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	upper := strings.ToUpper(s)
	for _, unit := range []string{"KB", "MB", "GB", "TB"} {
		if strings.HasSuffix(upper, unit) && !strings.HasSuffix(upper, "I"+unit[1:]) {
			s = s[:len(s)-2] + unit[:1] + "iB"
			break
		}
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

// FormatBytes formats bytes as a human-readable binary size
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}
