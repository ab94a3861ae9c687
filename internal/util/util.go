// Package util provides small generic helpers.
package util

import (
	"math/rand"
	"time"

	"golang.org/x/exp/constraints"
)

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a T, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a T, b T) T {
	if a > b {
		return a
	}
	return b
}

// RandomTimeout returns a duration drawn uniformly from [min, max), or min
// when max is not greater than min.
func RandomTimeout(min time.Duration, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
