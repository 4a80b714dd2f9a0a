package evlog

import (
	"io"

	"github.com/sirupsen/logrus"
)

type Fields map[string]interface{}

type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
}

var logger = NewNoneLogger()

func SetLogger(l Logger) {
	if l == nil {
		l = NewNoneLogger()
	}
	logger = l
}

// Default returns the package logger, for components that derive tagged
// loggers from it.
func Default() Logger {
	return logger
}

func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

func NewDebugLogger() Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return &stdLogger{logrus.NewEntry(l)}
}

// NewLogger builds a logrus-backed logger at the named level
// ("debug", "info", "warn", ...).
func NewLogger(level string) (Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetLevel(lvl)
	return &stdLogger{logrus.NewEntry(l)}, nil
}

// NewLoggerTo is NewLogger writing to out.
func NewLoggerTo(out io.Writer, level string) (Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	return &stdLogger{logrus.NewEntry(l)}, nil
}

type stdLogger struct {
	entry *logrus.Entry
}

func (l *stdLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *stdLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *stdLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *stdLogger) Fatalf(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}

func (l *stdLogger) WithField(key string, value interface{}) Logger {
	return &stdLogger{l.entry.WithField(key, value)}
}

func (l *stdLogger) WithFields(fields Fields) Logger {
	return &stdLogger{l.entry.WithFields(logrus.Fields(fields))}
}

func NewNoneLogger() Logger {
	return &noneLogger{}
}

type noneLogger struct{}

func (l *noneLogger) Debugf(format string, args ...interface{}) {}

func (l *noneLogger) Infof(format string, args ...interface{}) {}

func (l *noneLogger) Warnf(format string, args ...interface{}) {}

func (l *noneLogger) Errorf(format string, args ...interface{}) {}

func (l *noneLogger) Fatalf(format string, args ...interface{}) {}

func (l *noneLogger) WithField(key string, value interface{}) Logger { return l }

func (l *noneLogger) WithFields(fields Fields) Logger { return l }
