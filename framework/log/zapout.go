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

	"go.uber.org/zap"
)

type zapOut struct {
	l *zap.Logger
}

func (z zapOut) Write(stamp time.Time, debug bool, msg string) {
	if debug {
		z.l.Debug(msg)
	} else {
		z.l.Info(msg)
	}
}

func (z zapOut) Close() error {
	return z.l.Sync()
}

// ZapOutput returns an Output that forwards messages to the passed zap
// logger. Used for structured (JSON) logging where the human-readable
// format is not wanted.
func ZapOutput(l *zap.Logger) Output {
	return zapOut{l: l.WithOptions(zap.AddCallerSkip(3))}
}
