// Package safe provides helpers for safe numeric conversions with overflow checks.
package safe

import (
	"fmt"
	"math"
)

// Signed lists the signed integer kinds accepted by the converters.
type Signed interface {
	~int | ~int32 | ~int64
}

// Uint64 converts a signed integer to uint64, rejecting negatives.
func Uint64[T Signed](v T) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("value %d out of uint64 range", int64(v))
	}
	return uint64(v), nil
}

// Uint32 converts a signed integer to uint32 with range validation.
func Uint32[T Signed](v T) (uint32, error) {
	if v < 0 || int64(v) > math.MaxUint32 {
		return 0, fmt.Errorf("value %d out of uint32 range", int64(v))
	}
	return uint32(v), nil
}

// Int64 converts a uint64 to int64, rejecting values above math.MaxInt64.
func Int64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("value %d out of int64 range", v)
	}
	return int64(v), nil
}
