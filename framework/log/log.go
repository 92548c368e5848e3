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

// Package log implements a minimalistic logging library.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/marid-mta/marid/framework/exterrors"
	"go.uber.org/zap"
)

// Logger writes formatted messages to the underlying log.Output.
//
// It is a stateless value object and can be copied freely, keeping in
// mind that all copies share the same log.Output.
//
// Each message is prefixed with the logger name. Timestamp and debug
// flag formatting is up to log.Output, as is goroutine-safety - Logger
// itself does no serialization.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are added to the JSON part of every Msg/Error output.
	Fields map[string]interface{}
}

func (l Logger) Zap() *zap.Logger {
	// TODO: Migrate to using zap natively.
	return zap.New(zapLogger{L: l})
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes an event log message in a machine-readable format (currently
// JSON).
//   name: msg\t{"key":"value","key2":"value2"}
//
// fields is interpreted as a flat sequence of key-value pairs: a key
// string followed by its value, e.g. []interface{"key", "value", "key2",
// "value2"}.
//
// A value implementing LogFormatter is represented by the string
// returned from its FormatLog method. fmt.Stringer and error values are
// represented by String()/Error(). time.Time is written as an ISO 8601
// string and time.Duration follows the fmt.Stringer rule.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes an event log message describing the error, in the same
// format as Msg. If err has a Fields method returning
// map[string]interface{}, its result is merged into the message,
// together with the fields argument (interpreted as in Msg).
//
// msg names the top-level context the error is *handled* in. For
// example, if the error leads to rejection of the SMTP DATA command, msg
// will probably be "DATA error".
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	allFields := make(map[string]interface{}, len(fields)+len(errFields)+2)
	for k, v := range errFields {
		allFields[k] = v
	}

	// An existing 'reason' field likely explains the failure better than
	// the error text itself, keep it.
	if allFields["reason"] == nil {
		allFields["reason"] = err.Error()
	}
	fieldsToMap(fields, allFields)

	l.log(false, l.formatMsg(msg, allFields))
}

func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(kind, m))
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			// Misformatted arguments, attempt to provide a useful
			// message anyway.
			out[fmt.Sprint("field", i)] = fields[i]
			continue
		}
		out[key] = fields[i+1]
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	if len(l.Fields)+len(fields) == 0 {
		return msg + "\t"
	}

	if fields == nil {
		fields = make(map[string]interface{})
	}
	for k, v := range l.Fields {
		fields[k] = v
	}

	formatted := strings.Builder{}
	formatted.WriteString(msg)
	formatted.WriteRune('\t')
	if err := marshalOrderedJSON(&formatted, fields); err != nil {
		// Fallback to printing the message with minimal processing.
		return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
	}
	return formatted.String()
}

type LogFormatter interface {
	FormatLog() string
}

// Write implements io.Writer. Each call produces a separate log message,
// no line-buffering is done.
func (l Logger) Write(s []byte) (int, error) {
	l.log(false, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// DebugWriter returns a writer that acts like Logger.Write but marks
// messages with the debug flag. If Logger.Debug is false, the returned
// writer discards everything.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	l.Debug = true
	return &l
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	out := l.Out
	if out == nil {
		out = DefaultLogger.Out
	}
	if out == nil {
		// Logging is disabled.
		return
	}
	out.Write(time.Now(), debug, s)
}

// DefaultLogger is the Logger used by the package-level logging
// functions.
//
// As with all Loggers, it is not goroutine-safe on its own, but the
// underlying log.Output may provide the necessary serialization.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...interface{})               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
