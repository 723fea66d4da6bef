// Package logging adapts go.uber.org/zap to the LogPrintf shape used
// by leaf packages that shouldn't have to import zap directly.
package logging

import (
	"go.uber.org/zap"
)

// Printf is a printf-style logging callback, the same shape the teacher
// passed around as LogPrintf before every constructor that needed to log.
type Printf func(format string, v ...any)

// New builds a zap.SugaredLogger writing to stderr: zap's development
// config when debug is set, its production config otherwise.
func New(debug bool) *zap.SugaredLogger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// Named returns a logger scoped to a component name, e.g. "serial.rfid1".
func Named(base *zap.SugaredLogger, name string) *zap.SugaredLogger {
	return base.Named(name)
}

// Adapt turns a *zap.SugaredLogger into a Printf-compatible callback at
// info level.
func Adapt(l *zap.SugaredLogger) Printf {
	return func(format string, v ...any) {
		l.Infof(format, v...)
	}
}

// AdaptDebug is Adapt but logs at debug level.
func AdaptDebug(l *zap.SugaredLogger) Printf {
	return func(format string, v ...any) {
		l.Debugf(format, v...)
	}
}

// AdaptError is Adapt but logs at error level.
func AdaptError(l *zap.SugaredLogger) Printf {
	return func(format string, v ...any) {
		l.Errorf(format, v...)
	}
}
