package logutil

import (
	"context"
	"fmt"
	"log/slog"
)

type slogWrapper struct {
	*slog.Logger
}

func (s *slogWrapper) Debugf(_ context.Context, format string, args ...any) {
	s.Logger.Debug(fmt.Sprintf(format, args...))
}

func (s *slogWrapper) Errorf(_ context.Context, format string, args ...any) {
	s.Logger.Error(fmt.Sprintf(format, args...))
}

// NewOpAMPLogger adapts a slog.Logger to the opamp-go client logger interface.
func NewOpAMPLogger(logger *slog.Logger) *slogWrapper {
	return &slogWrapper{logger}
}

type goKitAdapter struct {
	l *slog.Logger
}

// Log implements go-kit's log.Logger over slog, for libraries that speak
// go-kit (dskit's module manager among them).
func (g goKitAdapter) Log(keyvals ...interface{}) error {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "(missing)")
	}
	msg := ""
	attrs := make([]any, 0, len(keyvals))
	for i := 0; i < len(keyvals); i += 2 {
		k := fmt.Sprint(keyvals[i])
		if k == "msg" || k == "message" {
			msg = fmt.Sprint(keyvals[i+1])
			continue
		}
		attrs = append(attrs, k, keyvals[i+1])
	}
	g.l.Info(msg, attrs...)
	return nil
}

// NewGoKitLogger adapts a slog.Logger to go-kit's log.Logger.
func NewGoKitLogger(logger *slog.Logger) goKitAdapter {
	return goKitAdapter{l: logger}
}
