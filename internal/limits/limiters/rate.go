/*
Marid - composable mail transfer and authentication engine.
Copyright © 2021-2024 The Marid Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package limiters

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by TakeContext when the Rate bucket was closed.
var ErrClosed = errors.New("limiters: Rate bucket is closed")

// Rate is a token-bucket rate limiter.
//
// Each request consumes one token via Take; when the bucket is drained,
// Take blocks until the next refill. Use TakeContext when the wait must
// be bounded.
//
// After Close, blocked Take calls return false and TakeContext returns
// ErrClosed.
//
// burstSize = 0 disables the limiter: every method is a no-op that
// succeeds.
type Rate struct {
	tokens chan struct{}
	stop   chan struct{}
}

func NewRate(burstSize int, interval time.Duration) Rate {
	r := Rate{
		tokens: make(chan struct{}, burstSize),
		stop:   make(chan struct{}),
	}
	if burstSize == 0 {
		return r
	}

	for i := 0; i < burstSize; i++ {
		r.tokens <- struct{}{}
	}
	go r.refillLoop(burstSize, interval)
	return r
}

func (r Rate) refillLoop(burstSize int, interval time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		t.Reset(interval)
		select {
		case <-r.stop:
			close(r.tokens)
			return
		case <-t.C:
		}

		// Top the bucket up without blocking on an already-full one.
		for i := 0; i < burstSize; i++ {
			select {
			case r.tokens <- struct{}{}:
				continue
			default:
			}
			break
		}
	}
}

func (r Rate) Take() bool {
	if cap(r.tokens) == 0 {
		return true
	}
	_, ok := <-r.tokens
	return ok
}

func (r Rate) TakeContext(ctx context.Context) error {
	if cap(r.tokens) == 0 {
		return nil
	}

	select {
	case _, ok := <-r.tokens:
		if !ok {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release is a no-op: tokens come back only via the refill timer.
func (r Rate) Release() {}

func (r Rate) Close() {
	close(r.stop)
}
