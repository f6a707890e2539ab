package crypto

import (
	"fmt"
	"math"
	"time"
)

// UnixSeconds converts t to an unsigned Unix timestamp in seconds.
// Times before the epoch are rejected.
//
// CWE-190: Integer Overflow or Wraparound
func UnixSeconds(t time.Time) (uint64, error) {
	secs := t.Unix()
	if secs < 0 {
		return 0, fmt.Errorf("cannot convert negative unix time to uint64: %d", secs)
	}
	return uint64(secs), nil
}

// TimeFromUnixSeconds converts an unsigned Unix timestamp back to a time.Time.
//
// CWE-190: Integer Overflow or Wraparound
func TimeFromUnixSeconds(secs uint64) (time.Time, error) {
	if secs > math.MaxInt64 {
		return time.Time{}, fmt.Errorf("uint64 value exceeds int64 max: %d (max: %d)", secs, int64(math.MaxInt64))
	}
	return time.Unix(int64(secs), 0), nil
}

// DurationFromSeconds converts a number of seconds to a time.Duration,
// saturating instead of overflowing.
func DurationFromSeconds(secs uint64) time.Duration {
	if secs > uint64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs) * time.Second
}
