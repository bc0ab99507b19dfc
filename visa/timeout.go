package visa

import (
	"fmt"
	"math"
	"time"
)

// Timeout sentinels shared by both backend generations after normalization.
const (
	// TimeoutImmediate requests a single non-blocking attempt.
	TimeoutImmediate uint32 = 0
	// TimeoutInfinite disables the timeout entirely.
	TimeoutInfinite uint32 = 0xFFFFFFFF

	// maxTimeoutMS is the largest representable finite timeout.
	maxTimeoutMS = 4294967294
)

// Forever is the caller-facing value for an unbounded timeout.
var Forever = math.Inf(1)

// NormalizeTimeout converts a timeout in milliseconds to the unsigned 32-bit
// representation shared by both backend generations.
//
// Forever maps to TimeoutInfinite; any finite value below one millisecond,
// negatives included, maps to TimeoutImmediate; values beyond the
// representable range fail with ErrOutOfRange. Finite values are truncated
// to an integer millisecond count.
func NormalizeTimeout(ms float64) (uint32, error) {
	switch {
	case math.IsNaN(ms):
		return 0, fmt.Errorf("%w: timeout is NaN", ErrOutOfRange)
	case math.IsInf(ms, 1):
		return TimeoutInfinite, nil
	case ms < 1:
		return TimeoutImmediate, nil
	case ms > maxTimeoutMS:
		return 0, fmt.Errorf("%w: timeout %.0f ms exceeds %d ms", ErrOutOfRange, ms, int64(maxTimeoutMS))
	default:
		return uint32(ms), nil
	}
}

// TimeoutDuration converts a normalized timeout to a time.Duration.
// TimeoutInfinite maps to a negative duration, which blocking waits treat as
// "no deadline"; TimeoutImmediate maps to zero.
func TimeoutDuration(normalized uint32) time.Duration {
	if normalized == TimeoutInfinite {
		return -1
	}
	return time.Duration(normalized) * time.Millisecond
}
