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

// Package module contains interfaces implemented by the engine components.
//
// Interfaces are placed here to prevent circular dependencies.
//
// Each engine component - delivery targets, checks, connection policies -
// implements one or more of these interfaces. Components are wired together
// explicitly by the caller (see cmd/marid), there is no dynamic registry.
package module

// Module is the interface implemented by all engine components.
//
// It defines basic methods used to identify instances, mostly for logging.
//
// Additionally, a component can implement io.Closer if it needs to perform
// clean-up on shutdown. If a component starts long-lived goroutines - they
// should be stopped *before* Close method returns to ensure graceful
// shutdown.
type Module interface {
	// Name method reports the component type name, used in logs.
	Name() string

	// InstanceName method reports the unique name of this instance or empty
	// string if the instance is unnamed.
	InstanceName() string
}
