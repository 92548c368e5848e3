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

package queue

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// TimeSlot is a value scheduled for dispatch at a point in time.
type TimeSlot struct {
	Time  time.Time
	Value interface{}
}

// TimeWheel dispatches scheduled values once their deadline passes. A
// single goroutine sleeps until the nearest deadline and re-arms itself
// whenever an earlier one is added.
type TimeWheel struct {
	stopped uint32

	slots     *list.List
	slotsLock sync.Mutex

	updateNotify chan time.Time
	stopNotify   chan struct{}

	dispatch func(TimeSlot)
}

func NewTimeWheel(dispatch func(TimeSlot)) *TimeWheel {
	tw := &TimeWheel{
		slots:        list.New(),
		stopNotify:   make(chan struct{}),
		updateNotify: make(chan time.Time),
		dispatch:     dispatch,
	}
	go tw.loop()
	return tw
}

// Add schedules value for dispatch at target. Calls after Close are
// silently dropped.
func (tw *TimeWheel) Add(target time.Time, value interface{}) {
	if atomic.LoadUint32(&tw.stopped) == 1 {
		return
	}

	if value == nil {
		panic("can't insert nil objects into TimeWheel queue")
	}

	tw.slotsLock.Lock()
	tw.slots.PushBack(TimeSlot{Time: target, Value: value})
	tw.slotsLock.Unlock()

	tw.updateNotify <- target
}

// Close stops the dispatch goroutine. It may be called more than once.
func (tw *TimeWheel) Close() {
	atomic.StoreUint32(&tw.stopped, 1)

	if tw.stopNotify == nil {
		return
	}

	tw.stopNotify <- struct{}{}
	<-tw.stopNotify

	tw.stopNotify = nil

	close(tw.updateNotify)
}

// nearest finds the slot with the earliest deadline relative to now.
// The returned element stays valid until removed: only the dispatch
// goroutine ever removes elements.
func (tw *TimeWheel) nearest(now time.Time) (TimeSlot, *list.Element) {
	tw.slotsLock.Lock()
	defer tw.slotsLock.Unlock()

	var (
		slot TimeSlot
		el   *list.Element
	)
	for e := tw.slots.Front(); e != nil; e = e.Next() {
		s := e.Value.(TimeSlot)
		if slot.Value == nil || s.Time.Sub(now) < slot.Time.Sub(now) {
			slot, el = s, e
		}
	}
	return slot, el
}

func (tw *TimeWheel) loop() {
	for {
		now := time.Now()
		slot, el := tw.nearest(now)

		if el == nil {
			// Nothing scheduled, sleep until something is.
			select {
			case <-tw.updateNotify:
				continue
			case <-tw.stopNotify:
				tw.stopNotify <- struct{}{}
				return
			}
		}

		if !tw.waitAndDispatch(now, slot, el) {
			return
		}
	}
}

// waitAndDispatch sleeps until the deadline of slot, removes it and hands
// it to the dispatch callback. It bails out early when an Add delivers an
// earlier deadline so the caller can re-pick the nearest slot. The return
// value is false when the wheel was closed.
func (tw *TimeWheel) waitAndDispatch(now time.Time, slot TimeSlot, el *list.Element) bool {
	timer := time.NewTimer(slot.Time.Sub(now))

	for {
		select {
		case <-timer.C:
			tw.slotsLock.Lock()
			tw.slots.Remove(el)
			tw.slotsLock.Unlock()

			tw.dispatch(slot)
			return true
		case newTarget := <-tw.updateNotify:
			if slot.Time.Sub(now) <= newTarget.Sub(now) {
				// The current deadline still comes first, keep waiting.
				continue
			}

			timer.Stop()
			return true
		case <-tw.stopNotify:
			tw.stopNotify <- struct{}{}
			return false
		}
	}
}
