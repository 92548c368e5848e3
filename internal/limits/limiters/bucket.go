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
	"sync"
	"time"
)

// ErrOverfilled is returned by TakeContext when the set hit MaxBuckets
// and no stale bucket could be reaped.
var ErrOverfilled = errors.New("limiters: set is overfilled")

type bucket struct {
	r       L
	lastUse time.Time
}

// BucketSet partitions a limiter over a string key, giving each unique
// key its own L instance. The main use case is per-resource rate
// limiting.
//
// The set size is capped at MaxBuckets. Once the cap is reached, the
// next Take tries to reap buckets that have not been used for
// ReapInterval; if all buckets are in active use, that Take fails. In
// some rare cases a different (undefined) waiting Take may fail instead.
//
// A BucketSet without a New function assigned is no-op: Take and
// TakeContext always succeed and Release does nothing.
type BucketSet struct {
	// New constructs the underlying L instances.
	//
	// It is safe to change it only when BucketSet is not used by any
	// goroutine.
	New func() L

	// ReapInterval is how long a bucket has to stay unused to be
	// evictable. For safe use with the Rate limiter it should be at
	// least twice the Rate refill interval.
	ReapInterval time.Duration

	MaxBuckets int

	mLck sync.Mutex
	m    map[string]*bucket
}

func NewBucketSet(new_ func() L, reapInterval time.Duration, maxBuckets int) *BucketSet {
	return &BucketSet{
		New:          new_,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		m:            map[string]*bucket{},
	}
}

func (bs *BucketSet) Close() {
	bs.mLck.Lock()
	defer bs.mLck.Unlock()

	for _, b := range bs.m {
		b.r.Close()
	}
}

// reap drops the buckets that have not been used recently. Must be
// called with mLck held.
func (bs *BucketSet) reap() {
	now := time.Now()
	for k, b := range bs.m {
		if now.Sub(b.lastUse) > bs.ReapInterval {
			// Any Take waiting on the dropped bucket will return
			// 'false'. That is fine: reaping happens only under high
			// load and dropping random requests at that point is a more
			// or less reasonable thing to do.
			b.r.Close()
			delete(bs.m, k)
		}
	}
}

func (bs *BucketSet) take(key string) L {
	bs.mLck.Lock()
	defer bs.mLck.Unlock()

	if len(bs.m) > bs.MaxBuckets {
		bs.reap()

		// Still full? E.g. all buckets are in use.
		if len(bs.m) > bs.MaxBuckets {
			return nil
		}
	}

	b, ok := bs.m[key]
	if !ok {
		b = &bucket{r: bs.New()}
		bs.m[key] = b
	}
	b.lastUse = time.Now()

	return b.r
}

func (bs *BucketSet) Take(key string) bool {
	if bs.New == nil {
		return true
	}

	b := bs.take(key)
	if b == nil {
		return false
	}
	return b.Take()
}

func (bs *BucketSet) Release(key string) {
	if bs.New == nil {
		return
	}

	bs.mLck.Lock()
	defer bs.mLck.Unlock()

	b, ok := bs.m[key]
	if !ok {
		return
	}
	b.r.Release()
}

func (bs *BucketSet) TakeContext(ctx context.Context, key string) error {
	if bs.New == nil {
		return nil
	}

	b := bs.take(key)
	if b == nil {
		return ErrOverfilled
	}
	return b.TakeContext(ctx)
}
