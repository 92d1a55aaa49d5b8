// Package ttlog is the structured-logging facade shared by every go-umd
// subsystem. It mirrors the contextual logger idiom the driver's daemon
// counterparts use: a base logger accumulates key/value context as it is
// passed down through constructors, and call sites log a short message plus
// a Ctx map rather than formatting strings by hand.
package ttlog

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Ctx is a bag of structured fields attached to a log line.
type Ctx map[string]any

// Logger wraps a logrus.Entry so AddContext can accumulate fields without
// callers needing to know about logrus.
type Logger struct {
	entry *logrus.Entry
}

var root = logrus.New()

func init() {
	root.SetOutput(os.Stderr)
	root.SetLevel(levelFromEnv(os.Getenv("UMD_LOG_LEVEL")))

	if path := os.Getenv("UMD_LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			root.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}
}

func levelFromEnv(v string) logrus.Level {
	switch strings.ToLower(v) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "info", "":
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}

// New returns the root logger with no extra context.
func New() Logger {
	return Logger{entry: logrus.NewEntry(root)}
}

// AddContext returns a child logger with ctx merged into the existing
// context. The parent is never mutated.
func (l Logger) AddContext(ctx Ctx) Logger {
	if len(ctx) == 0 {
		return l
	}

	return Logger{entry: l.entry.WithFields(logrus.Fields(ctx))}
}

func (l Logger) Debug(msg string, ctx ...Ctx) { l.log(logrus.DebugLevel, msg, ctx...) }
func (l Logger) Info(msg string, ctx ...Ctx)  { l.log(logrus.InfoLevel, msg, ctx...) }
func (l Logger) Warn(msg string, ctx ...Ctx)  { l.log(logrus.WarnLevel, msg, ctx...) }
func (l Logger) Error(msg string, ctx ...Ctx) { l.log(logrus.ErrorLevel, msg, ctx...) }

func (l Logger) log(level logrus.Level, msg string, ctx ...Ctx) {
	e := l.entry
	for _, c := range ctx {
		if len(c) > 0 {
			e = e.WithFields(logrus.Fields(c))
		}
	}

	e.Log(level, msg)
}

// Package-level convenience functions logging through the root logger.
func Debug(msg string, ctx ...Ctx) { New().log(logrus.DebugLevel, msg, ctx...) }
func Info(msg string, ctx ...Ctx)  { New().log(logrus.InfoLevel, msg, ctx...) }
func Warn(msg string, ctx ...Ctx)  { New().log(logrus.WarnLevel, msg, ctx...) }
func Error(msg string, ctx ...Ctx) { New().log(logrus.ErrorLevel, msg, ctx...) }

// AddContext is the package-level equivalent of Logger.AddContext, starting
// from the root logger.
func AddContext(ctx Ctx) Logger { return New().AddContext(ctx) }
