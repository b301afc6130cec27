// Package clock generates provisional identifiers and normalizes the
// heterogeneous time representations that show up across the transport
// boundary (server timestamps, client timestamps, raw epoch values).
package clock

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const provisionalPrefix = "prov_"

// NewProvisionalID returns a locally-unique client identifier for a
// not-yet-confirmed message.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisionalID reports whether id was generated by NewProvisionalID.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// EpochMillis normalizes an instant to epoch milliseconds.
//
// Accepted inputs: time.Time, epoch millis as int/int64/float64, RFC3339
// strings, and numeric strings. Anything un-parseable maps to 0, which
// sorts oldest instead of crashing the merge on one bad record.
func EpochMillis(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case time.Time:
		if t.IsZero() {
			return 0
		}
		return t.UnixMilli()
	case *time.Time:
		if t == nil || t.IsZero() {
			return 0
		}
		return t.UnixMilli()
	case int64:
		return clampEpoch(t)
	case int:
		return clampEpoch(int64(t))
	case float64:
		return clampEpoch(int64(t))
	case string:
		return parseEpochString(t)
	default:
		return 0
	}
}

func parseEpochString(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UnixMilli()
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UnixMilli()
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return clampEpoch(n)
	}
	return 0
}

// Epoch values below the millisecond range are treated as seconds.
// A server that sends unix seconds must still compare correctly against
// client-side millisecond stamps.
func clampEpoch(n int64) int64 {
	if n < 0 {
		return 0
	}
	if n > 0 && n < 1e12 {
		return n * 1000
	}
	return n
}

// NowMillis returns the current instant in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
