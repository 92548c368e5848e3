package log

import (
	"go.uber.org/zap/zapcore"
)

// zapLogger adapts a Logger into a zapcore.Core so that code built on
// *zap.Logger can write through our output pipeline.
type zapLogger struct {
	L Logger
}

func zapFields(fields []zapcore.Field) map[string]interface{} {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return enc.Fields
}

func (l zapLogger) Enabled(level zapcore.Level) bool {
	return l.L.Debug || level > zapcore.DebugLevel
}

func (l zapLogger) With(fields []zapcore.Field) zapcore.Core {
	added := zapFields(fields)
	merged := make(map[string]interface{}, len(l.L.Fields)+len(added))
	for k, v := range l.L.Fields {
		merged[k] = v
	}
	for k, v := range added {
		merged[k] = v
	}
	l.L.Fields = merged
	return l
}

func (l zapLogger) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !l.Enabled(entry.Level) {
		return ce
	}
	return ce.AddCore(entry, l)
}

func (l zapLogger) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.LoggerName != "" {
		l.L.Name += "/" + entry.LoggerName
	}
	l.L.log(entry.Level == zapcore.DebugLevel, l.L.formatMsg(entry.Message, zapFields(fields)))
	return nil
}

func (zapLogger) Sync() error {
	return nil
}
