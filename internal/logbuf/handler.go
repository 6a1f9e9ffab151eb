package logbuf

import (
	"context"
	"log/slog"
)

// Handler captures every record into a Buffer and forwards to an inner
// handler. The buffer sees all levels; the inner handler keeps its own
// level filter.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	bound  map[string]any // attrs accumulated via WithAttrs, pre-resolved
	prefix string         // dotted group path from WithGroup
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var attrs map[string]any
	if len(h.bound) > 0 || r.NumAttrs() > 0 {
		attrs = make(map[string]any, len(h.bound)+r.NumAttrs())
		for k, v := range h.bound {
			attrs[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			attrs[h.prefix+a.Key] = flatten(a.Value)
			return true
		})
	}

	h.buf.Write(Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   attrs,
	})

	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]any, len(h.bound)+len(attrs))
	for k, v := range h.bound {
		bound[k] = v
	}
	for _, a := range attrs {
		bound[h.prefix+a.Key] = flatten(a.Value)
	}
	return &Handler{
		inner:  h.inner.WithAttrs(attrs),
		buf:    h.buf,
		bound:  bound,
		prefix: h.prefix,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		inner:  h.inner.WithGroup(name),
		buf:    h.buf,
		bound:  h.bound,
		prefix: h.prefix + name + ".",
	}
}

// flatten resolves a slog value into something JSON-friendly. Errors become
// strings so they don't marshal to {}.
func flatten(v slog.Value) any {
	v = v.Resolve()
	if v.Kind() == slog.KindGroup {
		m := make(map[string]any, len(v.Group()))
		for _, a := range v.Group() {
			m[a.Key] = flatten(a.Value)
		}
		return m
	}
	raw := v.Any()
	if err, ok := raw.(error); ok {
		return err.Error()
	}
	return raw
}
