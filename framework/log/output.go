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

package log

import (
	"time"
)

// Output is the sink side of a Logger: a formatted message with its
// timestamp and debug flag.
type Output interface {
	Write(stamp time.Time, debug bool, msg string)
	Close() error
}

// MultiOutput fans every message out to all passed outputs.
func MultiOutput(outputs ...Output) Output {
	return multiOut{outputs}
}

type multiOut struct {
	outs []Output
}

func (m multiOut) Write(stamp time.Time, debug bool, msg string) {
	for _, out := range m.outs {
		out.Write(stamp, debug, msg)
	}
}

func (m multiOut) Close() error {
	for _, out := range m.outs {
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

// FuncOutput wraps a pair of functions into an Output.
func FuncOutput(write func(time.Time, bool, string), close func() error) Output {
	return funcOut{write, close}
}

type funcOut struct {
	write func(time.Time, bool, string)
	close func() error
}

func (f funcOut) Write(stamp time.Time, debug bool, msg string) {
	f.write(stamp, debug, msg)
}

func (f funcOut) Close() error {
	return f.close()
}

// NopOutput discards everything written to it.
type NopOutput struct{}

func (NopOutput) Write(time.Time, bool, string) {}

func (NopOutput) Close() error { return nil }
