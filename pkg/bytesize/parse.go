// Package bytesize parses human-readable byte sizes like "512KB" or "4MB".
package bytesize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Binary multipliers, longest suffix first so "KB" wins over "B".
var units = []struct {
	suffix string
	factor int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// Parse converts a size string into a byte count. Units are binary
// (1KB = 1024B) and case-insensitive; fractional values like "1.5GB"
// are allowed.
func Parse(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	for _, u := range units {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		raw := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
		if raw == "" {
			return 0, fmt.Errorf("invalid size %q: missing numeric value", s)
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		if value < 0 {
			return 0, fmt.Errorf("invalid size %q: negative value", s)
		}
		total := value * float64(u.factor)
		if total > math.MaxInt64 {
			return 0, fmt.Errorf("size %q overflows int64", s)
		}
		return int64(total), nil
	}
	return 0, fmt.Errorf("invalid size %q: missing unit (B, KB, MB, GB, TB)", s)
}
