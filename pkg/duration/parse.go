// Package duration parses durations with calendar units on top of the
// standard time.ParseDuration syntax.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Fixed-length calendar units. A month is 30 days and a year 365.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day
)

var calendarUnits = map[string]time.Duration{
	"d": Day,
	"w": Week,
	"M": Month, // capital M so minutes stay "m"
	"y": Year,
}

var calendarPattern = regexp.MustCompile(`(\d+)([dwMy])`)

// Parse reads durations like "30d", "2w" or "1y6M", falling back to
// time.ParseDuration for the standard units, so "36h" and mixed forms
// like "1d12h" also work. "0" parses to zero.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if s == "0" {
		return 0, nil
	}

	matches := calendarPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q (units: ns, us, ms, s, m, h, d, w, M, y)", s)
		}
		return d, nil
	}

	var total time.Duration
	for _, m := range matches {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total += time.Duration(n) * calendarUnits[m[2]]
	}

	// Whatever the calendar pass did not consume must itself be a valid
	// standard duration, e.g. the "12h" in "1d12h".
	if rest := strings.TrimSpace(calendarPattern.ReplaceAllString(s, "")); rest != "" {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q (units: ns, us, ms, s, m, h, d, w, M, y)", s)
		}
		total += d
	}
	return total, nil
}
