// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rewired-gh/tradeloop/internal/models"
)

var defaultLogger *zerolog.Logger

// Sink receives log lines at Info and above for the event stream.
type Sink interface {
	Publish(kind models.EventKind, payload any) models.Event
}

type sinkBox struct{ s Sink }

var sink atomic.Pointer[sinkBox]

// SetSink attaches the event stream sink. A nil sink detaches it.
func SetSink(s Sink) {
	if s == nil {
		sink.Store(nil)
		return
	}
	sink.Store(&sinkBox{s: s})
}

type streamHook struct{}

func (streamHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.InfoLevel || level == zerolog.NoLevel {
		return
	}
	b := sink.Load()
	if b == nil {
		return
	}
	b.s.Publish(models.EventLog, models.LogLine{Level: level.String(), Message: msg})
}

// Init initializes the default logger with the specified level and format.
// Format "text" writes human-readable console lines; anything else writes JSON.
func Init(level string, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var l zerolog.Logger
	if strings.ToLower(format) == "text" {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339Nano})
	} else {
		l = zerolog.New(os.Stderr)
	}
	l = l.With().Timestamp().Logger().Level(lvl).Hook(streamHook{})
	defaultLogger = &l
}

// get returns the default logger, or a disabled one before Init.
func get() zerolog.Logger {
	if defaultLogger == nil {
		return zerolog.Nop()
	}
	return *defaultLogger
}

func Debug(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Info(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if defaultLogger != nil {
		defaultLogger.WithLevel(zerolog.FatalLevel).Msg(msg)
	} else {
		fmt.Fprintln(os.Stderr, "[FATAL] "+msg)
	}
	os.Exit(1)
}
