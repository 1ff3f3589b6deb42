package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent = "component"
	KeyKind      = "kind"
	KeyHostID    = "hostId"
	KeyClientID  = "clientId"
	KeyPID       = "pid"
	KeyMsgType   = "msgType"
	KeyURL       = "url"
	KeyError     = "error"
)

type contextKey struct{}

// switchableHandler lets package-level loggers created before Init()
// pick up the configured handler once Init runs.
type switchableHandler struct {
	state  *handlerSlot
	attrs  []slog.Attr
	groups []string
}

type handlerSlot struct {
	current atomic.Value // slog.Handler
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	slot := &handlerSlot{}
	slot.current.Store(h)
	return &switchableHandler{state: slot}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.state.current.Store(handler)
}

func (h *switchableHandler) resolve() slog.Handler {
	handler := h.state.current.Load().(slog.Handler)
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &switchableHandler{
		state:  h.state,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	return &switchableHandler{
		state:  h.state,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append(append([]string(nil), h.groups...), name),
	}
}

var (
	rootHandler   = newSwitchableHandler(&forwardingHandler{base: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})})
	defaultLogger = slog.New(rootHandler)

	forwarderMu     sync.RWMutex
	globalForwarder *Forwarder
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init configures the process-wide logger. Call once after config is loaded.
// format is "json" or "text"; level is debug, info, warn or error.
// A nil output logs to stderr, which keeps stdout free for CLI output.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootHandler.set(&forwardingHandler{base: handler})
	defaultLogger = slog.New(rootHandler)
	slog.SetDefault(defaultLogger)
}

// InstallForwarder routes every subsequent log record through f in addition
// to local output. Passing nil removes the current forwarder.
func InstallForwarder(f *Forwarder) {
	forwarderMu.Lock()
	prev := globalForwarder
	globalForwarder = f
	forwarderMu.Unlock()

	if prev != nil && prev != f {
		prev.Stop()
	}
}

// forwardingHandler wraps a base handler and hands a copy of each record
// to the installed Forwarder.
type forwardingHandler struct {
	base  slog.Handler
	attrs []slog.Attr
}

func (h *forwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.base.Enabled(ctx, level) {
		return true
	}
	forwarderMu.RLock()
	f := globalForwarder
	forwarderMu.RUnlock()
	return f != nil && f.Accepts(level)
}

func (h *forwardingHandler) Handle(ctx context.Context, record slog.Record) error {
	forwarderMu.RLock()
	f := globalForwarder
	forwarderMu.RUnlock()

	if f != nil && f.Accepts(record.Level) {
		fields := make(map[string]any, len(h.attrs)+record.NumAttrs())
		for _, a := range h.attrs {
			fields[a.Key] = a.Value.Any()
		}
		record.Attrs(func(a slog.Attr) bool {
			fields[a.Key] = a.Value.Any()
			return true
		})
		f.Enqueue(Entry{
			Time:      record.Time,
			Level:     record.Level,
			Component: componentOf(fields),
			Message:   record.Message,
			Fields:    fields,
		})
	}

	if !h.base.Enabled(ctx, record.Level) {
		return nil
	}
	return h.base.Handle(ctx, record)
}

func (h *forwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &forwardingHandler{
		base:  h.base.WithAttrs(attrs),
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *forwardingHandler) WithGroup(name string) slog.Handler {
	return &forwardingHandler{base: h.base.WithGroup(name), attrs: h.attrs}
}

func componentOf(fields map[string]any) string {
	if c, ok := fields[KeyComponent].(string); ok {
		return c
	}
	return "unknown"
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return slog.New(rootHandler).With(slog.String(KeyComponent, component))
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "verbose":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
