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

// Package future provides a single-assignment (value, error) container that
// any number of goroutines can wait on.
package future

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/marid-mta/marid/framework/log"
)

// Future holds a (value, error) pair that is populated once via Set.
// Get blocks until then. Must not be copied after first use.
type Future struct {
	mu  sync.RWMutex
	set bool
	val interface{}
	err error

	notify chan struct{}
}

func New() *Future {
	return &Future{notify: make(chan struct{})}
}

// Set stores the (value, error) pair, waking up all pending Get calls.
// A second Set is a bug; it is logged and ignored.
func (f *Future) Set(val interface{}, err error) {
	if f == nil {
		panic("nil future used")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.set {
		log.Println("Future.Set called multiple times", debug.Stack())
		log.Println("value=", val, "err=", err)
		return
	}

	f.set = true
	f.val = val
	f.err = err

	close(f.notify)
}

func (f *Future) Get() (interface{}, error) {
	if f == nil {
		panic("nil future used")
	}
	return f.GetContext(context.Background())
}

func (f *Future) GetContext(ctx context.Context) (interface{}, error) {
	if f == nil {
		panic("nil future used")
	}

	if val, err, ok := f.tryGet(); ok {
		return val, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.notify:
	}

	val, err, ok := f.tryGet()
	if !ok {
		panic("future: Notification received, but value is not set")
	}
	return val, err
}

func (f *Future) tryGet() (interface{}, error, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.val, f.err, f.set
}
