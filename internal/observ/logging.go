package observ

import (
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// SetLogger swaps the process logger. Tests pass zap.NewNop().
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// Logger returns the process logger
func Logger() *zap.Logger {
	return logger.Load()
}

// Log writes one structured event at info level
func Log(event string, kv map[string]any) {
	write(zapcore.InfoLevel, event, kv)
}

// Warn writes one structured event at warn level
func Warn(event string, kv map[string]any) {
	write(zapcore.WarnLevel, event, kv)
}

// Error writes one structured event at error level
func Error(event string, kv map[string]any) {
	write(zapcore.ErrorLevel, event, kv)
}

func write(level zapcore.Level, event string, kv map[string]any) {
	l := logger.Load()
	if ce := l.Check(level, event); ce != nil {
		ce.Write(fields(kv)...)
	}
}

// fields keeps key order stable so log lines diff cleanly
func fields(kv map[string]any) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := kv[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, kv[k]))
	}
	return out
}
