// Package logging provides the single structured-logging abstraction used by
// every component in taskrelay.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is implemented by every type that wants leveled, printf-style
// logging without depending on a concrete logging library.
type Logger interface {
	Criticalf(format string, args ...any)
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
	Noticef(format string, args ...any)
	Warningf(format string, args ...any)
}

// LogrusAdapter implements Logger on top of *logrus.Logger.
type LogrusAdapter struct {
	*logrus.Logger
}

var _ Logger = (*LogrusAdapter)(nil)

// New builds a LogrusAdapter writing text-formatted entries to w at the given
// level name ("debug", "info", "warning", "error", ...). An unrecognized
// level falls back to Info.
func New(w io.Writer, level string) *LogrusAdapter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	l.SetLevel(lv)

	return &LogrusAdapter{Logger: l}
}

// NewDefault builds a LogrusAdapter writing to stderr at info level.
func NewDefault() *LogrusAdapter {
	return New(os.Stderr, "info")
}

// Criticalf logs at logrus's Fatal level without exiting the process; callers
// that want process termination should do so explicitly.
func (l *LogrusAdapter) Criticalf(format string, args ...any) {
	l.Logger.Logf(logrus.FatalLevel, format, args...)
}

func (l *LogrusAdapter) Debugf(format string, args ...any) { l.Logger.Debugf(format, args...) }
func (l *LogrusAdapter) Errorf(format string, args ...any) { l.Logger.Errorf(format, args...) }
func (l *LogrusAdapter) Noticef(format string, args ...any) { l.Logger.Infof(format, args...) }
func (l *LogrusAdapter) Warningf(format string, args ...any) { l.Logger.Warnf(format, args...) }

// ApplyLevel parses a legacy level name (trace/debug/info/notice/warning/
// warn/error/fatal/panic/critical) onto the adapter's underlying logrus
// level, the way the teacher's cli.ApplyLogLevel mapped onto log/slog.
func ApplyLevel(l *LogrusAdapter, name string) error {
	switch name {
	case "trace":
		l.SetLevel(logrus.TraceLevel)
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "info", "notice":
		l.SetLevel(logrus.InfoLevel)
	case "warning", "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error", "fatal", "panic", "critical":
		l.SetLevel(logrus.ErrorLevel)
	default:
		lv, err := logrus.ParseLevel(name)
		if err != nil {
			return err
		}
		l.SetLevel(lv)
	}
	return nil
}
