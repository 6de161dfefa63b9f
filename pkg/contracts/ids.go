package contracts

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeLayout is the fixed-width UTC layout used for persisted timestamps,
// so lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// NewID returns prefix_ followed by 16 hex characters.
func NewID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + hex[:16]
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and any RFC 3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Now returns the current UTC time truncated to millisecond precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
