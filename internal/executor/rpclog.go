package executor

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/logging"
)

// logSink receives every RpcLog a scoped logger produces
type logSink func(msg *rpcv1.RpcLog) error

// rpcLogHandler turns slog records into RpcLog messages tagged with one
// invocation id. Clones made by WithAttrs and WithGroup share the limiter
// and the dropped counter
type rpcLogHandler struct {
	invocationID string
	category     string
	level        slog.Leveler
	sink         logSink
	limiter      *rate.Limiter
	dropped      *atomic.Int64

	attrs  []slog.Attr
	prefix string
}

func newRPCLogHandler(invocationID, category string, level slog.Leveler, limiter *rate.Limiter, sink logSink) *rpcLogHandler {
	return &rpcLogHandler{
		invocationID: invocationID,
		category:     category,
		level:        level,
		sink:         sink,
		limiter:      limiter,
		dropped:      &atomic.Int64{},
	}
}

func (h *rpcLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *rpcLogHandler) Handle(_ context.Context, r slog.Record) error {
	if h.limiter != nil && !h.limiter.Allow() {
		h.dropped.Add(1)
		return nil
	}

	props := make(map[string]string, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(props, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(props, h.prefix, a)
		return true
	})
	if len(props) == 0 {
		props = nil
	}

	return h.sink(&rpcv1.RpcLog{
		InvocationID:      h.invocationID,
		Level:             rpcLevel(r.Level),
		Category:          h.category,
		Message:           r.Message,
		Properties:        props,
		TimestampUnixNano: r.Time.UnixNano(),
	})
}

func (h *rpcLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *rpcLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

// Dropped returns how many records the limiter discarded
func (h *rpcLogHandler) Dropped() int64 { return h.dropped.Load() }

func addAttr(props map[string]string, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			addAttr(props, p, ga)
		}
		return
	}
	props[prefix+a.Key] = a.Value.String()
}

// rpcLevel maps a slog level to the RpcLog level names
func rpcLevel(l slog.Level) string {
	switch {
	case l >= logging.LevelCritical:
		return rpcv1.LogCritical
	case l >= slog.LevelError:
		return rpcv1.LogError
	case l >= slog.LevelWarn:
		return rpcv1.LogWarning
	case l >= slog.LevelInfo:
		return rpcv1.LogInfo
	case l >= slog.LevelDebug:
		return rpcv1.LogDebug
	default:
		return rpcv1.LogTrace
	}
}
