package flags

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Logging registers -log-level and -log-format and installs the default logger. It should be called
// before Parse, the logger reads the flags on first use. The returned exit func exits with status 1
// if anything was logged at error level.
func Logging() (exit func()) {
	var level slog.LevelVar
	flag.TextVar(&level, "log-level", &level, "Set the logging level")
	format := logFormat("text")
	flag.Var(&format, "log-format", "Log format, text or json")

	h := &slogErrorHandler{
		new: func(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
			if format == "json" {
				return slog.NewJSONHandler(w, opts)
			}
			return slog.NewTextHandler(w, opts)
		},
		opts: &slog.HandlerOptions{Level: &level},
	}

	slog.SetDefault(slog.New(h))
	slog.SetLogLoggerLevel(slog.LevelError)

	return func() {
		if h.hadError.Load() {
			os.Exit(1)
		}
		os.Exit(0)
	}
}

type logFormat string

func (f *logFormat) Set(value string) error {
	switch value {
	case "text", "json":
		*f = logFormat(value)
		return nil
	}
	return fmt.Errorf("unknown log format %q", value)
}
func (f logFormat) String() string { return string(f) }

// slogErrorHandler remembers error records. The wrapped handler is built lazily so flags parsed
// after setup still apply.
type slogErrorHandler struct {
	new  func(io.Writer, *slog.HandlerOptions) slog.Handler
	opts *slog.HandlerOptions

	inner    atomic.Pointer[slog.Handler]
	hadError atomic.Bool
}

func (h *slogErrorHandler) handler() slog.Handler {
	if p := h.inner.Load(); p != nil {
		return *p
	}
	inner := h.new(os.Stderr, h.opts)
	if h.inner.CompareAndSwap(nil, &inner) {
		return inner
	}
	return *h.inner.Load()
}

func (h *slogErrorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler().Enabled(ctx, level)
}

func (h *slogErrorHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		h.hadError.Store(true)
	}
	return h.handler().Handle(ctx, r)
}

func (h *slogErrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &boundHandler{parent: h, with: func(inner slog.Handler) slog.Handler { return inner.WithAttrs(attrs) }}
}

func (h *slogErrorHandler) WithGroup(name string) slog.Handler {
	return &boundHandler{parent: h, with: func(inner slog.Handler) slog.Handler { return inner.WithGroup(name) }}
}

// boundHandler is a derived logger from slog.With, it still reports errors to its parent.
type boundHandler struct {
	parent *slogErrorHandler
	with   func(slog.Handler) slog.Handler
}

func (b *boundHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return b.parent.Enabled(ctx, level)
}

func (b *boundHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		b.parent.hadError.Store(true)
	}
	return b.with(b.parent.handler()).Handle(ctx, r)
}

func (b *boundHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &boundHandler{parent: b.parent, with: func(inner slog.Handler) slog.Handler { return b.with(inner).WithAttrs(attrs) }}
}

func (b *boundHandler) WithGroup(name string) slog.Handler {
	return &boundHandler{parent: b.parent, with: func(inner slog.Handler) slog.Handler { return b.with(inner).WithGroup(name) }}
}
