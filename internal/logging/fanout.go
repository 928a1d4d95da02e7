// Package logging provides slog handlers beyond the console: a Loki
// push handler and a fanout that tees records to several handlers.
package logging

import (
	"context"
	"errors"
	"log/slog"
)

// Fanout dispatches each record to every handler that has it enabled.
type Fanout struct {
	handlers []slog.Handler
}

// NewFanout returns a handler teeing records to hs. Nil handlers are
// skipped.
func NewFanout(hs ...slog.Handler) *Fanout {
	f := &Fanout{}
	for _, h := range hs {
		if h != nil {
			f.handlers = append(f.handlers, h)
		}
	}
	return f
}

// Enabled reports whether any handler accepts level.
func (f *Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle passes a clone of r to each interested handler and joins their
// errors.
func (f *Fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &Fanout{handlers: out}
}

func (f *Fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return &Fanout{handlers: out}
}
