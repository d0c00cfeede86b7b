package logging

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// scope holds what WithAttrs and WithGroup accumulated on a handler.
// Attributes are flattened when added so they keep the groups open at
// that moment.
type scope struct {
	level  slog.Leveler
	module string
	fixed  map[string]any
	groups []string
}

func (s scope) enabled(level slog.Level) bool {
	return level >= s.level.Level()
}

func (s scope) withAttrs(attrs []slog.Attr) scope {
	fixed := maps.Clone(s.fixed)
	if fixed == nil {
		fixed = make(map[string]any, len(attrs))
	}
	for _, a := range attrs {
		if a.Key == "module" && len(s.groups) == 0 {
			s.module = a.Value.String()
			continue
		}
		flattenAttr(fixed, s.groups, a)
	}
	s.fixed = fixed
	return s
}

func (s scope) withGroup(name string) scope {
	if name != "" {
		s.groups = append(slices.Clip(s.groups), name)
	}
	return s
}

// flatten returns the module name and the attributes of r merged over the
// handler's own, keyed by dotted group path.
func (s scope) flatten(r slog.Record) (string, map[string]any) {
	module := s.module
	if module == "" {
		module = "workerctl"
	}
	out := maps.Clone(s.fixed)
	if out == nil {
		out = make(map[string]any, r.NumAttrs())
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "module" && len(s.groups) == 0 {
			module = a.Value.String()
			return true
		}
		flattenAttr(out, s.groups, a)
		return true
	})
	return module, out
}

func flattenAttr(out map[string]any, groups []string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		sub := append(slices.Clone(groups), a.Key)
		for _, ga := range v.Group() {
			flattenAttr(out, sub, ga)
		}
	case slog.KindTime:
		out[key] = v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		out[key] = v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			out[key] = err.Error()
		} else {
			out[key] = v.Any()
		}
	default:
		out[key] = v.Any()
	}
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

// MultiHandler fans records out to every handler enabled for their level.
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler creates a handler that writes to all provided handlers.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(m.handlers, func(h slog.Handler) bool {
		return h.Enabled(ctx, level)
	})
}

// Handle returns the joined errors of the handlers that failed. A failing
// handler does not stop the others.
func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m *MultiHandler) each(fn func(slog.Handler) slog.Handler) *MultiHandler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = fn(h)
	}
	return &MultiHandler{handlers: out}
}
