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
	"sync"
	"time"
)

// Window is a non-blocking sliding-window counter. The window is
// approximated using two adjacent fixed intervals: the count of the
// previous interval is weighted by how much of it is still covered by the
// sliding window. That bounds the memory use to two counters per key while
// keeping the limit reasonably smooth at interval boundaries.
//
// Unlike Rate, Window does not block: an attempt either fits into the
// limit or is reported as denied together with the time after which it is
// worth retrying.
type Window struct {
	limit    int
	interval time.Duration

	mu    sync.Mutex
	start time.Time
	curr  int
	prev  int
}

func NewWindow(limit int, interval time.Duration) *Window {
	return &Window{
		limit:    limit,
		interval: interval,
		start:    time.Now(),
	}
}

// advance rolls the window state forward to now. Called with mu held.
func (w *Window) advance(now time.Time) {
	elapsed := now.Sub(w.start)
	if elapsed >= 2*w.interval {
		w.prev = 0
		w.curr = 0
		w.start = now
		return
	}
	if elapsed >= w.interval {
		w.prev = w.curr
		w.curr = 0
		w.start = w.start.Add(w.interval)
	}
}

// TryAdmit reports whether an operation with the given cost fits into the
// limit and accounts for it if it does. On denial, retryAfter is the
// time until the window slides enough for a retry to have a chance.
func (w *Window) TryAdmit(cost int) (ok bool, retryAfter time.Duration) {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.advance(now)

	elapsed := now.Sub(w.start)
	carry := float64(w.prev) * (1 - float64(elapsed)/float64(w.interval))
	estimate := w.curr + int(carry)

	if estimate+cost > w.limit {
		return false, w.interval - elapsed
	}

	w.curr += cost
	return true, 0
}

// Stale reports whether the window has seen no activity for the passed
// two intervals and can be dropped by a keyed set.
func (w *Window) Stale(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Sub(w.start) >= 2*w.interval && w.curr == 0
}

// WindowSet is a key-indexed group of Windows, lazily created per key.
//
// The set size is bounded: when it overflows, stale windows are reaped
// first, and if everything is in active use, full = true is reported by
// TryAdmit so the caller can decide whether to fail open or closed.
type WindowSet struct {
	New        func() *Window
	MaxWindows int

	mu sync.Mutex
	m  map[string]*Window
}

func NewWindowSet(new_ func() *Window, maxWindows int) *WindowSet {
	return &WindowSet{
		New:        new_,
		MaxWindows: maxWindows,
		m:          map[string]*Window{},
	}
}

func (ws *WindowSet) TryAdmit(key string, cost int) (ok bool, retryAfter time.Duration, full bool) {
	ws.mu.Lock()
	wnd, exists := ws.m[key]
	if !exists {
		if len(ws.m) >= ws.MaxWindows {
			now := time.Now()
			for k, w := range ws.m {
				if w.Stale(now) {
					delete(ws.m, k)
				}
			}
			if len(ws.m) >= ws.MaxWindows {
				ws.mu.Unlock()
				return false, 0, true
			}
		}
		wnd = ws.New()
		ws.m[key] = wnd
	}
	ws.mu.Unlock()

	ok, retryAfter = wnd.TryAdmit(cost)
	return ok, retryAfter, false
}
