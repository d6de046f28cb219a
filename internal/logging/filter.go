package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ComponentFilterHandler filters records by level, with optional per-component
// overrides keyed on the "component" attribute.
type ComponentFilterHandler struct {
	next      slog.Handler
	state     *filterState
	component string
}

type filterState struct {
	mu        sync.RWMutex
	defaultLv slog.Level
	levels    map[string]slog.Level
}

// NewComponentFilterHandler wraps next with defaultLevel as the threshold for
// components without an override.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next:  next,
		state: &filterState{defaultLv: defaultLevel, levels: make(map[string]slog.Level)},
	}
}

// SetLevel overrides the threshold for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.state.mu.Lock()
	h.state.levels[component] = level
	h.state.mu.Unlock()
}

// ClearLevel removes a component override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.state.mu.Lock()
	delete(h.state.levels, component)
	h.state.mu.Unlock()
}

// Level returns the effective threshold for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if lv, ok := h.state.levels[component]; ok {
		return lv
	}
	return h.state.defaultLv
}

// DefaultLevel returns the threshold used without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return h.state.defaultLv
}

// ApplyOverrides parses "component=level" pairs and installs them.
func (h *ComponentFilterHandler) ApplyOverrides(pairs []string) error {
	for _, p := range pairs {
		name, lv, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid component level %q, want component=level", p)
		}
		level, err := ParseLevel(lv)
		if err != nil {
			return err
		}
		h.SetLevel(name, level)
	}
	return nil
}

func (h *ComponentFilterHandler) minLevel() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	lv := h.state.defaultLv
	for _, o := range h.state.levels {
		if o < lv {
			lv = o
		}
	}
	return lv
}

// Enabled reports whether the bound component, or any component when none
// is bound, accepts level.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.Level(h.component)
	}
	return level >= h.minLevel()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) {
		return nil
	}
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := &ComponentFilterHandler{state: h.state, component: h.component}
	for _, a := range attrs {
		if a.Key == "component" {
			c.component = a.Value.String()
		}
	}
	if h.next != nil {
		c.next = h.next.WithAttrs(attrs)
	}
	return c
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	c := &ComponentFilterHandler{state: h.state, component: h.component}
	if h.next != nil {
		c.next = h.next.WithGroup(name)
	}
	return c
}
