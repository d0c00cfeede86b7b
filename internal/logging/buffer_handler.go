package logging

import (
	"context"
	"log/slog"
)

// LogCallback receives every entry after it has been buffered.
type LogCallback func(entry LogEntry)

// BufferHandler writes records to the package ring buffer and hands them
// to the log callback. Records are dropped until Initialize has created
// the buffer.
type BufferHandler struct {
	scope
}

// NewBufferHandler creates a handler feeding the ring buffer at level.
func NewBufferHandler(level slog.Leveler) *BufferHandler {
	return &BufferHandler{scope{level: level}}
}

func (h *BufferHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.enabled(level)
}

func (h *BufferHandler) Handle(_ context.Context, r slog.Record) error {
	mutex.RLock()
	buffer, callback := logBuffer, logCallback
	mutex.RUnlock()
	if buffer == nil {
		return nil
	}

	module, attrs := h.flatten(r)
	if len(attrs) == 0 {
		attrs = nil
	}
	entry := LogEntry{
		Timestamp:  r.Time,
		Level:      levelName(r.Level),
		Module:     module,
		Message:    r.Message,
		Attributes: attrs,
	}
	entry.Seq = buffer.Write(entry)
	if callback != nil {
		callback(entry)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BufferHandler{h.withAttrs(attrs)}
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	return &BufferHandler{h.withGroup(name)}
}
