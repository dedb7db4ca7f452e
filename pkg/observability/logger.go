package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// severity orders levels for threshold filtering. Unknown levels rank as
// info so a typo in a producer never silently drops its events.
func severity(level Level) int {
	switch level {
	case LevelError:
		return 2
	case LevelWarn:
		return 1
	default:
		return 0
	}
}

// JSONLogger writes each event as a single JSON object on its own line.
// Events below the configured minimum level are dropped; events without a
// component are stamped with the logger's default one.
type JSONLogger struct {
	mu        sync.Mutex
	w         io.Writer
	now       func() time.Time
	minLevel  Level
	component string
}

// JSONLoggerOption configures a JSONLogger.
type JSONLoggerOption func(*JSONLogger)

// WithMinLevel drops events whose level ranks below the threshold.
func WithMinLevel(level Level) JSONLoggerOption {
	return func(l *JSONLogger) {
		l.minLevel = level
	}
}

// WithDefaultComponent stamps events that carry no component of their own.
func WithDefaultComponent(component string) JSONLoggerOption {
	return func(l *JSONLogger) {
		l.component = component
	}
}

// NewJSONLogger builds a JSONLogger writing to the provided io.Writer. By
// default every level is emitted.
func NewJSONLogger(w io.Writer, opts ...JSONLoggerOption) *JSONLogger {
	logger := &JSONLogger{w: w, now: time.Now, minLevel: LevelInfo}
	for _, opt := range opts {
		opt(logger)
	}
	return logger
}

// Log implements Logger by emitting a JSON representation of the event.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("json logger is not configured")
	}
	if severity(event.Level) < severity(l.minLevel) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if event.Component == "" {
		event.Component = l.component
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := l.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}
