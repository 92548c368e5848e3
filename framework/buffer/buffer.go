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

// Package buffer provides temporary storage for large blobs such as message
// bodies.
package buffer

import (
	"io"
)

// Buffer is an abstract, immutable blob store. Any modification must go
// into a fresh storage location; that is what keeps concurrent readers
// safe.
//
// Lifetime convention: whoever created the Buffer calls Remove once it is
// no longer needed. A Buffer received as a function argument may become
// invalid as soon as that function returns, so a callee that wants the
// contents afterwards has to "re-buffer" them, either by reading the whole
// blob or by an implementation-specific shortcut (FileBuffer contents can
// be kept by hard-linking the file, for example).
type Buffer interface {
	// Open creates a new Reader over the stored blob.
	Open() (io.ReadCloser, error)

	// Len is the blob size, i.e. how many bytes a freshly opened Reader
	// yields before io.EOF.
	Len() int

	// Remove discards the blob and frees the resources behind it.
	//
	// When several Buffer objects share storage, exactly one Remove call
	// is allowed; it invalidates all of them. Readers that are already
	// open keep working, but no new ones can be created.
	Remove() error
}
