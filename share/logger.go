package wsgshare

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for warning messages
	LogLevelWarning

	// LogLevelInfo is for info messages
	LogLevelInfo

	// LogLevelDebug is for debug messages
	LogLevelDebug

	// LogLevelTrace is for trace messages
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "error", "warning", "info", "debug", "trace",
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// StringToLogLevel converts a string to a LogLevel. Returns
// LogLevelUnknown if the string is not recognized.
func StringToLogLevel(s string) LogLevel {
	for i, name := range logLevelNames {
		if strings.EqualFold(s, name) {
			return LogLevel(i)
		}
	}
	return LogLevelUnknown
}

// Logger is a leveled logging component with prefix forking. Forked
// loggers share the same sink and level as their parent but extend the
// message prefix, so log output identifies the object that produced it.
type Logger interface {
	// Prefix returns the fixed prefix string of this logger
	Prefix() string

	// GetLogLevel returns the level above which messages are suppressed
	GetLogLevel() LogLevel

	// Fork creates a new Logger that extends this logger's prefix
	Fork(f string, args ...interface{}) Logger

	// Logf outputs a message iff level is enabled
	Logf(level LogLevel, f string, args ...interface{})

	// ELogf outputs an error-level message
	ELogf(f string, args ...interface{})

	// WLogf outputs a warning-level message
	WLogf(f string, args ...interface{})

	// ILogf outputs an info-level message
	ILogf(f string, args ...interface{})

	// DLogf outputs a debug-level message
	DLogf(f string, args ...interface{})

	// TLogf outputs a trace-level message
	TLogf(f string, args ...interface{})

	// Errorf creates an error tagged with this logger's prefix, without
	// logging it
	Errorf(f string, args ...interface{}) error

	// DLogErrorf creates an error tagged with this logger's prefix and
	// logs it at debug level
	DLogErrorf(f string, args ...interface{}) error

	// Panicf outputs an error-level message and panics
	Panicf(f string, args ...interface{})
}

type basicLogger struct {
	prefix string
	level  LogLevel
	sink   *log.Logger
}

// NewLogger creates a Logger with the given prefix and level, writing
// to stderr.
func NewLogger(prefix string, level LogLevel) Logger {
	return NewLoggerWithWriter(prefix, level, os.Stderr)
}

// NewLoggerWithWriter creates a Logger with the given prefix and level,
// writing to an arbitrary sink.
func NewLoggerWithWriter(prefix string, level LogLevel, w io.Writer) Logger {
	return &basicLogger{
		prefix: prefix,
		level:  level,
		sink:   log.New(w, "", log.Ldate|log.Ltime),
	}
}

func (l *basicLogger) Prefix() string {
	return l.prefix
}

func (l *basicLogger) GetLogLevel() LogLevel {
	return l.level
}

func (l *basicLogger) Fork(f string, args ...interface{}) Logger {
	tail := fmt.Sprintf(f, args...)
	prefix := tail
	if l.prefix != "" {
		prefix = l.prefix + ": " + tail
	}
	return &basicLogger{prefix: prefix, level: l.level, sink: l.sink}
}

func (l *basicLogger) Logf(level LogLevel, f string, args ...interface{}) {
	if level > l.level {
		return
	}
	msg := fmt.Sprintf(f, args...)
	if l.prefix != "" {
		msg = l.prefix + ": " + msg
	}
	l.sink.Print(msg)
}

func (l *basicLogger) ELogf(f string, args ...interface{}) {
	l.Logf(LogLevelError, f, args...)
}

func (l *basicLogger) WLogf(f string, args ...interface{}) {
	l.Logf(LogLevelWarning, f, args...)
}

func (l *basicLogger) ILogf(f string, args ...interface{}) {
	l.Logf(LogLevelInfo, f, args...)
}

func (l *basicLogger) DLogf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

func (l *basicLogger) TLogf(f string, args ...interface{}) {
	l.Logf(LogLevelTrace, f, args...)
}

func (l *basicLogger) Errorf(f string, args ...interface{}) error {
	msg := fmt.Sprintf(f, args...)
	if l.prefix != "" {
		msg = l.prefix + ": " + msg
	}
	return fmt.Errorf("%s", msg)
}

func (l *basicLogger) DLogErrorf(f string, args ...interface{}) error {
	err := l.Errorf(f, args...)
	l.Logf(LogLevelDebug, "%s", err)
	return err
}

func (l *basicLogger) Panicf(f string, args ...interface{}) {
	msg := fmt.Sprintf(f, args...)
	if l.prefix != "" {
		msg = l.prefix + ": " + msg
	}
	l.sink.Print(msg)
	panic(msg)
}
