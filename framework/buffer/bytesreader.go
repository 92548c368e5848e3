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

package buffer

import (
	"bytes"
)

// BytesReader is a bytes.Reader that keeps the original slice around for
// libraries that special-case readers with a Bytes() method.
type BytesReader struct {
	*bytes.Reader
	value []byte
}

// NewBytesReader returns the reader by value: the struct is already two
// pointers wide so another indirection buys nothing.
func NewBytesReader(b []byte) BytesReader {
	return BytesReader{
		Reader: bytes.NewReader(b),
		value:  b,
	}
}

// Bytes returns the not-yet-read tail of the underlying slice.
func (br BytesReader) Bytes() []byte {
	return br.value[int(br.Size())-br.Len():]
}

// Copy returns a reader over the same slice positioned where br is.
func (br BytesReader) Copy() BytesReader {
	return NewBytesReader(br.Bytes())
}

// Close satisfies io.Closer so BytesReader can back MemoryBuffer directly.
func (br BytesReader) Close() error {
	return nil
}
