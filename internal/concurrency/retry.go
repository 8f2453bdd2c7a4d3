// File: internal/concurrency/retry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Retry policy shared by every blocking socket primitive.

//go:build unix

package concurrency

import (
	"errors"

	"golang.org/x/sys/unix"
)

// DefaultEINTRRetries bounds accept/recv retries inside the worker loop.
const DefaultEINTRRetries = 5

// RetryEINTR calls fn again while it fails with EINTR. max bounds the total
// number of calls; max <= 0 retries until a non-EINTR result.
func RetryEINTR[T any](max int, fn func() (T, error)) (T, error) {
	for i := 1; ; i++ {
		v, err := fn()
		if !errors.Is(err, unix.EINTR) {
			return v, err
		}
		if max > 0 && i >= max {
			return v, err
		}
	}
}
