// Package logging provides leveled, prefixed loggers for the driver.
// Output goes to stderr so it never interleaves with anything a mounted
// filesystem's users see.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to a Level. Unknown names fall back to
// info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// state is shared by the root logger and every prefixed child, so a
// SetLevel call takes effect everywhere at once.
type state struct {
	mu    sync.RWMutex
	level Level
	out   *log.Logger
}

type Logger struct {
	st     *state
	prefix string
}

var (
	root     *Logger
	rootOnce sync.Once
)

// GetLogger returns the process-wide logger. The initial level comes
// from the LOG_LEVEL environment variable.
func GetLogger() *Logger {
	rootOnce.Do(func() {
		root = &Logger{st: &state{
			level: ParseLevel(os.Getenv("LOG_LEVEL")),
			out:   log.New(os.Stderr, "", log.LstdFlags),
		}}
	})
	return root
}

// WithPrefix returns a logger that tags every line with a subsystem
// name. The child shares the parent's level.
func (l *Logger) WithPrefix(prefix string) *Logger {
	full := prefix
	if l.prefix != "" {
		full = l.prefix + "." + prefix
	}
	return &Logger{st: l.st, prefix: full}
}

// SetLevel changes the level for this logger and all of its relatives.
func (l *Logger) SetLevel(level Level) {
	l.st.mu.Lock()
	l.st.level = level
	l.st.mu.Unlock()
}

func (l *Logger) enabled(level Level) bool {
	l.st.mu.RLock()
	defer l.st.mu.RUnlock()
	return level >= l.st.level
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if !l.enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		l.st.out.Printf("[%s] %s: %s", level, l.prefix, msg)
	} else {
		l.st.out.Printf("[%s] %s", level, msg)
	}
}

func (l *Logger) Trace(format string, args ...interface{}) {
	l.logf(LevelTrace, format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.logf(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.logf(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.logf(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
}
