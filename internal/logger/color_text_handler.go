package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

const colorReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// ColorTextHandler is a slog.TextHandler whose lines start with the level in
// ANSI color. The prefix is written outside the quoted msg field so terminals
// render it. With showTime false the time attribute is dropped.
type ColorTextHandler struct {
	slog.Handler
	out *colorWriter
}

// colorWriter prepends the pending level prefix to the next record write.
type colorWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func (c *colorWriter) Write(p []byte) (int, error) {
	line := make([]byte, 0, len(c.prefix)+len(p))
	line = append(line, c.prefix...)
	line = append(line, p...)
	if _, err := c.w.Write(line); err != nil {
		return 0, err
	}
	return len(p), nil
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	replace := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey)) {
			return slog.Attr{}
		}
		if replace != nil {
			return replace(groups, a)
		}
		return a
	}
	out := &colorWriter{w: w}
	return &ColorTextHandler{Handler: slog.NewTextHandler(out, &o), out: out}
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = colorReset
	}
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.prefix = color + r.Level.String() + colorReset + " "
	return h.Handler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithAttrs(attrs), out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithGroup(name), out: h.out}
}
