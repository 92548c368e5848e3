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
	"testing"
	"time"
)

func testWheel(t *testing.T) (*TimeWheel, chan TimeSlot) {
	dispatched := make(chan TimeSlot)
	w := NewTimeWheel(func(slot TimeSlot) {
		dispatched <- slot
	})
	t.Cleanup(w.Close)
	return w, dispatched
}

func expectSlot(t *testing.T, dispatched chan TimeSlot, want int) {
	t.Helper()
	slot := <-dispatched
	if val, _ := slot.Value.(int); val != want {
		t.Errorf("Wrong slot value: want %d, got %v", want, slot.Value)
	}
}

func TestTimeWheelAdd(t *testing.T) {
	t.Parallel()
	w, dispatched := testWheel(t)

	w.Add(time.Now().Add(1*time.Second), 1)

	expectSlot(t, dispatched, 1)
}

func TestTimeWheelAdd_Ordering(t *testing.T) {
	t.Parallel()
	w, dispatched := testWheel(t)

	w.Add(time.Now().Add(1*time.Second), 1)
	w.Add(time.Now().Add(1250*time.Millisecond), 2)

	expectSlot(t, dispatched, 1)
	expectSlot(t, dispatched, 2)
}

func TestTimeWheelAdd_Restart(t *testing.T) {
	t.Parallel()
	w, dispatched := testWheel(t)

	// The second deadline comes before the one the wheel is waiting for, so
	// the timer must be restarted.
	w.Add(time.Now().Add(1*time.Second), 1)
	w.Add(time.Now().Add(500*time.Millisecond), 2)

	expectSlot(t, dispatched, 2)
	expectSlot(t, dispatched, 1)
}

func TestTimeWheelAdd_FarDeadlineThenNear(t *testing.T) {
	t.Parallel()
	w, dispatched := testWheel(t)

	// A deadline that is practically never reached must not prevent later
	// closer deadlines from being dispatched.
	w.Add(time.Now().Add(90000*time.Hour), 1)
	w.Add(time.Now().Add(500*time.Millisecond), 2)

	expectSlot(t, dispatched, 2)
}

func TestTimeWheelAdd_EmptyUpdWait(t *testing.T) {
	t.Parallel()
	w, dispatched := testWheel(t)

	// Add after the tick goroutine has already gone to sleep on an empty
	// wheel.
	time.Sleep(500 * time.Millisecond)
	w.Add(time.Now().Add(1*time.Second), 1)

	expectSlot(t, dispatched, 1)
}
