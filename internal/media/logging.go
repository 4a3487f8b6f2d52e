package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLoggerFactory routes pion's internal logging through the process
// logger. Trace is collapsed into debug; pion's trace volume is not worth a
// separate level.
type slogLoggerFactory struct {
	log *slog.Logger
}

var _ logging.LoggerFactory = (*slogLoggerFactory)(nil)

func newLoggerFactory(log *slog.Logger) *slogLoggerFactory {
	return &slogLoggerFactory{log: log}
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

var _ logging.LeveledLogger = (*slogLeveledLogger)(nil)

func (l *slogLeveledLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...interface{}) { l.logf(slog.LevelDebug, format, args) }
func (l *slogLeveledLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...interface{}) { l.logf(slog.LevelDebug, format, args) }
func (l *slogLeveledLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...interface{})  { l.logf(slog.LevelInfo, format, args) }
func (l *slogLeveledLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...interface{})  { l.logf(slog.LevelWarn, format, args) }
func (l *slogLeveledLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...interface{}) { l.logf(slog.LevelError, format, args) }

func (l *slogLeveledLogger) logf(level slog.Level, format string, args []interface{}) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.Log(ctx, level, fmt.Sprintf(format, args...))
}
