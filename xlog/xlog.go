// File: xlog/xlog.go
// Author: momentics <momentics@gmail.com>
//
// Structured leveled logging on top of zerolog, replacing sylar::Logger's
// appender/formatter pipeline. The original's LogEvent carried thread id,
// fiber id and thread name on every record; those become structured fields
// here instead of a printf-style pattern string.
package xlog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Level mirrors sylar::LogLevel's ordering (UNKNOWN through FATAL).
type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
	LevelFatal = zerolog.FatalLevel
)

// Logger is a named logger, the analogue of a sylar::Logger instance
// looked up from LoggerMgr by name.
type Logger struct {
	name string
	zl   zerolog.Logger
}

var (
	mu      sync.RWMutex
	loggers = make(map[string]*Logger)
	root    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger()
)

// SetOutput redirects every future and already-created logger's writer,
// primarily so tests can capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root = zerolog.New(w).With().Timestamp().Logger()
	for name, l := range loggers {
		l.zl = root.With().Str("logger", name).Logger()
	}
}

// SetLevel adjusts the process-wide minimum log level.
func SetLevel(lvl Level) {
	zerolog.SetGlobalLevel(lvl)
}

// Get returns the named Logger, creating it (bound to the current root
// writer) on first use, matching LoggerManager::getLogger.
func Get(name string) *Logger {
	mu.RLock()
	l, ok := loggers[name]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[name]; ok {
		return l
	}
	l = &Logger{name: name, zl: root.With().Str("logger", name).Logger()}
	loggers[name] = l
	return l
}

// With returns an event builder carrying fiber/worker context, mirroring
// the fiberId/threadId columns stamped onto every original LogEvent.
func (l *Logger) With(fiberID, workerID uint64) *zerolog.Event {
	return l.zl.Info().Uint64("fiber", fiberID).Uint64("worker", workerID)
}

func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }
