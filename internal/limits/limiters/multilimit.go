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

import "context"

// MultiLimit combines several limiters into one, acquiring them in
// slice order and releasing already-held ones when a later acquire
// fails.
//
// Callers are responsible for keeping the order consistent across all
// MultiLimit instances sharing limiters, nothing here detects
// deadlocks.
type MultiLimit struct {
	Wrapped []L
}

// rollback releases the first n limiters after a failed acquire of the
// n+1-th one.
func (ml *MultiLimit) rollback(n int) {
	for _, l := range ml.Wrapped[:n] {
		l.Release()
	}
}

func (ml *MultiLimit) Take() bool {
	for i, l := range ml.Wrapped {
		if !l.Take() {
			ml.rollback(i)
			return false
		}
	}
	return true
}

func (ml *MultiLimit) TakeContext(ctx context.Context) error {
	for i, l := range ml.Wrapped {
		if err := l.TakeContext(ctx); err != nil {
			ml.rollback(i)
			return err
		}
	}
	return nil
}

func (ml *MultiLimit) Release() {
	for _, l := range ml.Wrapped {
		l.Release()
	}
}

func (ml *MultiLimit) Close() {
	for _, l := range ml.Wrapped {
		l.Close()
	}
}
