package logging

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler renders one line per record:
//
//	2026-03-01T12:00:00Z [info] watcher: reload ok path=/etc/devices.csv
//
// The component attribute, when present, is promoted into the prefix;
// all other attributes trail the message as key=value pairs.
type consoleHandler struct {
	level     slog.Leveler
	component string
	attrs     []slog.Attr

	mu  *sync.Mutex
	out io.Writer
}

func newConsoleHandler(out io.Writer, level slog.Leveler) *consoleHandler {
	return &consoleHandler{level: level, mu: &sync.Mutex{}, out: out}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.Grow(128)

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	b.WriteString(t.Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(strings.ToLower(r.Level.String()))
	b.WriteString("] ")

	component := h.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if component != "" {
		b.WriteString(component)
		b.WriteString(": ")
	}

	b.WriteString(r.Message)

	for _, a := range h.attrs {
		appendAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "component" {
			appendAttr(&b, a)
		}
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func appendAttr(b *strings.Builder, a slog.Attr) {
	b.WriteByte(' ')
	b.WriteString(a.Key)
	b.WriteByte('=')
	v := a.Value.String()
	if strings.ContainsAny(v, " \t\"") {
		b.WriteString(strconv.Quote(v))
	} else {
		b.WriteString(v)
	}
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	for _, a := range attrs {
		if a.Key == "component" {
			next.component = a.Value.String()
			continue
		}
		next.attrs = append(next.attrs[:len(next.attrs):len(next.attrs)], a)
	}
	return &next
}

func (h *consoleHandler) WithGroup(string) slog.Handler {
	// Flat key=value output; groups are not used in this codebase.
	return h
}
