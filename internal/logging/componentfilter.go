package logging

import (
	"context"
	"log/slog"
	"sync"
)

// componentKey is the attribute components attach at construction time.
const componentKey = "component"

// ComponentFilterHandler filters records by their "component" attribute,
// allowing per-component log levels to change at runtime. Records without
// a component attribute use the default level.
//
// All clones created by WithAttrs/WithGroup share the same level table,
// so SetLevel on the root handler affects every component-scoped logger.
type ComponentFilterHandler struct {
	inner        slog.Handler
	defaultLevel slog.Level

	mu     *sync.RWMutex
	levels map[string]slog.Level

	// component is the value captured from WithAttrs, if any.
	component string
}

// NewComponentFilterHandler wraps inner with per-component level
// filtering. inner may be nil when the handler is used only for level
// queries.
func NewComponentFilterHandler(inner slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		inner:        inner,
		defaultLevel: defaultLevel,
		mu:           new(sync.RWMutex),
		levels:       make(map[string]slog.Level),
	}
}

// SetLevel overrides the level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.levels[component] = level
}

// ClearLevel removes a component override. Unknown components are a
// no-op.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.levels, component)
}

// Level returns the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if lvl, ok := h.levels[component]; ok {
		return lvl
	}
	return h.defaultLevel
}

// DefaultLevel returns the level used for components without an
// override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}

// Enabled reports whether any component could accept a record at this
// level. The per-component decision happens in Handle, where the
// component attribute is visible.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	min := h.defaultLevel
	for _, lvl := range h.levels {
		if lvl < min {
			min = lvl
		}
	}
	return level >= min
}

// Handle filters the record against its component's level and forwards
// it to the inner handler.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == componentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs captures the component attribute, if present, and forwards
// the attrs to the inner handler. The level table is shared with the
// parent.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == componentKey {
			clone.component = a.Value.String()
		}
	}
	return &clone
}

// WithGroup forwards the group to the inner handler, keeping the shared
// level table.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	return &clone
}
