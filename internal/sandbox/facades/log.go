package facades

import (
	"context"
	"log/slog"
)

// LogSink receives one log line produced by sandboxed code, after the
// facade has copied the fields. The loader wires it to the Manager's
// plugin:log observer event.
type LogSink func(pluginID, level, msg string, fields map[string]any)

// LogFacade implements secplugin.LogFacade. Ungated: every sandbox
// gets one. Lines land on the host logger scoped to the plugin id and
// are forwarded to the sink.
type LogFacade struct {
	pluginID string
	logger   *slog.Logger
	sink     LogSink
}

// NewLogFacade builds the ungated log facade for one plugin. A nil
// logger falls back to slog.Default; a nil sink drops the observer
// forwarding but keeps host logging.
func NewLogFacade(pluginID string, logger *slog.Logger, sink LogSink) *LogFacade {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogFacade{
		pluginID: pluginID,
		logger:   logger.With("plugin", pluginID),
		sink:     sink,
	}
}

func (l *LogFacade) Debug(msg string, fields map[string]any) { l.emit(slog.LevelDebug, msg, fields) }
func (l *LogFacade) Info(msg string, fields map[string]any)  { l.emit(slog.LevelInfo, msg, fields) }
func (l *LogFacade) Warn(msg string, fields map[string]any)  { l.emit(slog.LevelWarn, msg, fields) }
func (l *LogFacade) Error(msg string, fields map[string]any) { l.emit(slog.LevelError, msg, fields) }

func (l *LogFacade) emit(level slog.Level, msg string, fields map[string]any) {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	attrs := make([]any, 0, len(copied)*2)
	for k, v := range copied {
		attrs = append(attrs, k, v)
	}
	l.logger.Log(context.Background(), level, msg, attrs...)

	if l.sink != nil {
		l.sink(l.pluginID, level.String(), msg, copied)
	}
}
