package embeddedmqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Disconnect noise mochi reports at error level whenever a client goes away.
var closedConnErrors = []string{
	"EOF",
	"use of closed network connection",
	"connection reset by peer",
}

func newSlogLogger(logger *zap.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return slog.New(&zapHandler{log: logger})
}

// zapHandler is an slog.Handler writing to zap. Attributes bound with
// WithAttrs are converted once and carried on the zap logger.
type zapHandler struct {
	log *zap.Logger
}

func (h *zapHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.log.Core().Enabled(toZapLevel(level))
}

func (h *zapHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make([]zap.Field, 0, record.NumAttrs())
	closed := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "error" && isClosedConn(attr.Value) {
			closed = true
		}
		fields = append(fields, toZapField(attr))
		return true
	})

	if closed {
		h.log.Debug("mqtt client connection closed", fields...)
		return nil
	}
	if ce := h.log.Check(toZapLevel(record.Level), record.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func (h *zapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	fields := make([]zap.Field, 0, len(attrs))
	for _, attr := range attrs {
		fields = append(fields, toZapField(attr))
	}
	return &zapHandler{log: h.log.With(fields...)}
}

func (h *zapHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &zapHandler{log: h.log.With(zap.Namespace(name))}
}

func isClosedConn(v slog.Value) bool {
	var msg string
	switch v.Kind() {
	case slog.KindString:
		msg = v.String()
	case slog.KindAny:
		err, ok := v.Any().(error)
		if !ok {
			return false
		}
		if errors.Is(err, io.EOF) {
			return true
		}
		msg = err.Error()
	default:
		return false
	}
	for _, needle := range closedConnErrors {
		if msg == needle || strings.HasSuffix(msg, ": "+needle) {
			return true
		}
	}
	return false
}

func toZapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

func toZapField(attr slog.Attr) zap.Field {
	v := attr.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		group := v.Group()
		fields := make([]zap.Field, 0, len(group))
		for _, a := range group {
			fields = append(fields, toZapField(a))
		}
		if attr.Key == "" {
			return zap.Inline(zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
				for _, f := range fields {
					f.AddTo(enc)
				}
				return nil
			}))
		}
		return zap.Dict(attr.Key, fields...)
	case slog.KindString:
		return zap.String(attr.Key, v.String())
	case slog.KindInt64:
		return zap.Int64(attr.Key, v.Int64())
	case slog.KindUint64:
		return zap.Uint64(attr.Key, v.Uint64())
	case slog.KindFloat64:
		return zap.Float64(attr.Key, v.Float64())
	case slog.KindBool:
		return zap.Bool(attr.Key, v.Bool())
	case slog.KindDuration:
		return zap.Duration(attr.Key, v.Duration())
	case slog.KindTime:
		return zap.Time(attr.Key, v.Time())
	}
	if err, ok := v.Any().(error); ok {
		return zap.NamedError(attr.Key, err)
	}
	return zap.Any(attr.Key, v.Any())
}
