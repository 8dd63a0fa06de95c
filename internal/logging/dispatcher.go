package logging

import (
	"fmt"

	"github.com/geoclaim/engine/pkg/core"
	"github.com/rs/zerolog"
)

// DispatcherLogger writes event dispatcher diagnostics through zerolog, the
// same sink the storage backends use.
type DispatcherLogger struct {
	logger zerolog.Logger
}

// NewDispatcherLogger wraps logger and tags every entry with component=dispatcher.
func NewDispatcherLogger(logger zerolog.Logger) *DispatcherLogger {
	return &DispatcherLogger{logger: logger.With().Str("component", "dispatcher").Logger()}
}

func (l *DispatcherLogger) Debug(msg string, keysAndValues ...any) {
	l.write(l.logger.Debug(), msg, keysAndValues)
}

func (l *DispatcherLogger) Info(msg string, keysAndValues ...any) {
	l.write(l.logger.Info(), msg, keysAndValues)
}

func (l *DispatcherLogger) Error(msg string, keysAndValues ...any) {
	l.write(l.logger.Error(), msg, keysAndValues)
}

// write renders errors with zerolog's error field and event types as
// plain strings so log queries can filter on them.
func (l *DispatcherLogger) write(e *zerolog.Event, msg string, keysAndValues []any) {
	if e == nil {
		return
	}
	fields := toFields(keysAndValues)
	for key, value := range fields {
		switch v := value.(type) {
		case error:
			e = e.AnErr(key, v)
			delete(fields, key)
		case core.EventType:
			e = e.Str(key, string(v))
			delete(fields, key)
		case fmt.Stringer:
			e = e.Stringer(key, v)
			delete(fields, key)
		}
	}
	e.Fields(fields).Msg(msg)
}

// toFields converts key-value pairs to a map for zerolog. Non-string keys
// and a trailing odd value are dropped.
func toFields(keysAndValues []any) map[string]any {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	return fields
}
