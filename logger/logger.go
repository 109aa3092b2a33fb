package logger

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// Logger writes leveled, subsystem-tagged log messages into its backend.
type Logger struct {
	level   uint32 // atomic, holds a Level
	tag     string
	backend *Backend
}

// Level returns the current logging level of the logger.
func (l *Logger) Level() Level {
	return Level(atomic.LoadUint32(&l.level))
}

// SetLevel changes the logging level of the logger.
func (l *Logger) SetLevel(level Level) {
	atomic.StoreUint32(&l.level, uint32(level))
}

// Backend returns the backend this logger writes into.
func (l *Logger) Backend() *Backend {
	return l.backend
}

func (l *Logger) print(level Level, args ...interface{}) {
	if level < l.Level() {
		return
	}
	l.backend.write(level, l.tag, fmt.Sprint(args...))
}

func (l *Logger) printf(level Level, format string, args ...interface{}) {
	if level < l.Level() {
		return
	}
	l.backend.write(level, l.tag, fmt.Sprintf(format, args...))
}

// Trace logs a message at the trace level.
func (l *Logger) Trace(args ...interface{}) { l.print(LevelTrace, args...) }

// Tracef logs a formatted message at the trace level.
func (l *Logger) Tracef(format string, args ...interface{}) { l.printf(LevelTrace, format, args...) }

// Debug logs a message at the debug level.
func (l *Logger) Debug(args ...interface{}) { l.print(LevelDebug, args...) }

// Debugf logs a formatted message at the debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.printf(LevelDebug, format, args...) }

// Info logs a message at the info level.
func (l *Logger) Info(args ...interface{}) { l.print(LevelInfo, args...) }

// Infof logs a formatted message at the info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.printf(LevelInfo, format, args...) }

// Warn logs a message at the warn level.
func (l *Logger) Warn(args ...interface{}) { l.print(LevelWarn, args...) }

// Warnf logs a formatted message at the warn level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.printf(LevelWarn, format, args...) }

// Error logs a message at the error level.
func (l *Logger) Error(args ...interface{}) { l.print(LevelError, args...) }

// Errorf logs a formatted message at the error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.printf(LevelError, format, args...) }

// Critical logs a message at the critical level.
func (l *Logger) Critical(args ...interface{}) { l.print(LevelCritical, args...) }

// Criticalf logs a formatted message at the critical level.
func (l *Logger) Criticalf(format string, args ...interface{}) {
	l.printf(LevelCritical, format, args...)
}

var (
	registryMtx sync.Mutex
	subsystems  = make(map[string]*Logger)

	// backendLog is the shared backend all subsystem loggers write into.
	// It always writes to stdout; InitLogDir adds a rotated file beside it.
	backendLog = NewBackend()
)

func init() {
	backendLog.AddLogWriter(nopCloser{os.Stdout}, LevelInfo)
}

type nopCloser struct{ *os.File }

func (nopCloser) Close() error { return nil }

// RegisterSubSystem returns a logger for the given subsystem tag, creating it
// if it had not been registered before.
func RegisterSubSystem(tag string) *Logger {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	if l, ok := subsystems[tag]; ok {
		return l
	}
	l := backendLog.Logger(tag)
	subsystems[tag] = l
	return l
}

// InitLogDir attaches a rotated log file at the given path to the shared
// backend.
func InitLogDir(logFile string) error {
	return backendLog.AddLogFile(logFile, LevelTrace)
}

// SetLogLevels sets the logging level of all registered subsystems to the
// given level string. It returns false if the string does not name a level.
func SetLogLevels(levelStr string) bool {
	level, ok := LevelFromString(levelStr)
	if !ok {
		return false
	}
	registryMtx.Lock()
	defer registryMtx.Unlock()
	for _, l := range subsystems {
		l.SetLevel(level)
	}
	return true
}

// BackendLog returns the shared logging backend.
func BackendLog() *Backend {
	return backendLog
}
