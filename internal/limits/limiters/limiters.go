// Package limiters provides composable primitives that bound resource use:
// token-bucket rates, concurrency semaphores and keyed collections of both.
package limiters

import "context"

// L is a blocking limiter. Take acquires a unit of the limited resource,
// blocking while the limit is exhausted, and reports false when the
// limiter was closed. TakeContext bounds the wait with a context.
type L interface {
	Take() bool
	TakeContext(context.Context) error
	Release()

	// Close frees the book-keeping resources held by the limiter.
	Close()
}
