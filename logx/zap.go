package logx

import "go.uber.org/zap"

// Zap adapts a *zap.SugaredLogger to the Logger interface, for callers (the
// CLI) that want structured logging instead of the no-op default. The core
// decoders never import zap directly; they only see the Logger interface.
func Zap(l *zap.SugaredLogger) Logger {
	return Func(func(level Level, format string, args ...any) {
		switch level {
		case Debug:
			l.Debugf(format, args...)
		case Warn:
			l.Warnf(format, args...)
		case Error:
			l.Errorf(format, args...)
		default:
			l.Infof(format, args...)
		}
	})
}
