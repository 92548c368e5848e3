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

// Package hooks provides process-lifetime event hooks that components
// register cleanup callbacks with.
package hooks

import "sync"

type Event int

const (
	// EventShutdown is triggered when the daemon process is about to stop.
	EventShutdown Event = iota
)

var (
	registry   = make(map[Event][]func())
	registryMu sync.Mutex
)

// AddHook registers f to run when the given event fires.
func AddHook(ev Event, f func()) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[ev] = append(registry[ev], f)
}

// RunHooks runs the callbacks registered for ev, newest first, so cleanup
// happens in the opposite order of initialization.
func RunHooks(ev Event) {
	callbacks := snapshot(ev)
	for i := len(callbacks) - 1; i >= 0; i-- {
		callbacks[i]()
	}
}

// snapshot copies the callback list for ev so RunHooks does not hold the
// lock while callbacks do their (likely I/O-heavy) work.
func snapshot(ev Event) []func() {
	registryMu.Lock()
	defer registryMu.Unlock()

	registered := registry[ev]
	if len(registered) == 0 {
		return nil
	}
	return append(make([]func(), 0, len(registered)), registered...)
}
