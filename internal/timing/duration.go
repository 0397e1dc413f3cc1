// Package timing holds the pure time math the sync core is built on:
// rundown duration strings, countdown seconds, and wall-clock elapsed time.
package timing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration converts a rundown duration string ("HH:MM:SS" or "MM:SS")
// into seconds. Segments missing leading zeros are accepted.
func ParseDuration(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("empty duration")
	}
	parts := strings.Split(trimmed, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("malformed duration %q", value)
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed duration %q", value)
		}
		total = total*60 + n
	}
	return total, nil
}

// FormatDuration renders seconds as "HH:MM:SS". Negative input is clamped
// to zero.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
}

// ElapsedSeconds returns whole seconds between start and now, clamped at
// zero. The clock source is wall-clock only, so a small backward NTP jump
// must never produce a negative countdown correction.
func ElapsedSeconds(now, start time.Time) int {
	elapsed := now.Sub(start)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / time.Second)
}
