package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Options controls the handler built by NewHandlerWithOptions.
type Options struct {
	Level  string
	Writer io.Writer
}

func NewHandler(name string) slog.Handler {
	return NewHandlerWithOptions(name, Options{})
}

func NewHandlerWithOptions(name string, opts Options) slog.Handler {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           ParseLevel(opts.Level),
	})
}

// ParseLevel maps a level name to a charmbracelet level. Unknown or empty
// names resolve to debug.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.DebugLevel
	}
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

func NewWithLevel(name, level string) *slog.Logger {
	return slog.New(NewHandlerWithOptions(name, Options{Level: level}))
}

func NewContext(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, New(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil, we return the default slog
// logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		v := ctx.Value(ctxKey{})
		if v == nil {
			return slog.Default()
		}
		return v.(*slog.Logger)
	}

	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending a suffix
// to its prefix, keeping the base logger's level.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		sub := cl.WithPrefix(prefix)
		return slog.New(sub)
	}

	return slog.New(NewHandler(suffix))
}
