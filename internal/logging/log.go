// Package logging owns the process logger shared by every link package.
//
// Call sites use the printf helpers with a "<pkg>.<Type>.<method> key=value"
// message shape. Nothing here may be called from interrupt context.
package logging

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	current.Store(&l)
}

func setLogger(l zerolog.Logger) {
	current.Store(&l)
}

// Logger returns the configured zerolog logger, for callers that want
// structured fields instead of the printf helpers.
func Logger() zerolog.Logger {
	return *current.Load()
}

func Tracef(format string, args ...any) { emit(zerolog.TraceLevel, format, args...) }
func Debugf(format string, args ...any) { emit(zerolog.DebugLevel, format, args...) }
func Infof(format string, args ...any)  { emit(zerolog.InfoLevel, format, args...) }
func Warnf(format string, args ...any)  { emit(zerolog.WarnLevel, format, args...) }
func Errf(format string, args ...any)   { emit(zerolog.ErrorLevel, format, args...) }

// Logf writes an unlevelled progress line; tests use it to narrate steps.
func Logf(format string, args ...any) {
	l := current.Load()
	l.Log().Msg(fmt.Sprintf(format, args...))
}

func emit(level zerolog.Level, format string, args ...any) {
	l := current.Load()
	if e := l.WithLevel(level); e != nil {
		e.Msg(fmt.Sprintf(format, args...))
	}
}
