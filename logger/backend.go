package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/pkg/errors"
)

const (
	defaultThresholdKB = 10 * 1000 // 10 MB logs by default.
	defaultMaxRolls    = 8         // keep 8 last logs by default.
)

// Backend is a logging backend. Subsystems created from the backend write to
// the backend's writers. Backend provides atomic writes from all subsystems.
type Backend struct {
	mtx     sync.Mutex
	writers []logWriter
}

type logWriter struct {
	io.WriteCloser
	level Level
}

// NewBackend creates a new logger backend.
func NewBackend() *Backend {
	return &Backend{}
}

// AddLogWriter adds a writer which the log will write into for messages at or
// above the given log level.
func (b *Backend) AddLogWriter(w io.WriteCloser, level Level) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.writers = append(b.writers, logWriter{WriteCloser: w, level: level})
}

// AddLogFile adds a rotated log file which the log will write into for
// messages at or above the given log level. The file is created if it
// doesn't exist.
func (b *Backend) AddLogFile(logFile string, level Level) error {
	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		err := os.MkdirAll(logDir, 0700)
		if err != nil {
			return errors.Wrapf(err, "failed to create log directory %s", logDir)
		}
	}
	r, err := rotator.New(logFile, defaultThresholdKB, false, defaultMaxRolls)
	if err != nil {
		return errors.Wrapf(err, "failed to create file rotator for %s", logFile)
	}
	b.AddLogWriter(r, level)
	return nil
}

// Close finalizes all writers for this backend.
func (b *Backend) Close() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, w := range b.writers {
		_ = w.Close()
	}
	b.writers = nil
}

// Logger returns a new logger for a particular subsystem that writes to the
// backend. The tag is included in all log messages. The logger uses the info
// verbosity level by default.
func (b *Backend) Logger(tag string) *Logger {
	return &Logger{level: uint32(LevelInfo), tag: tag, backend: b}
}

func (b *Backend) write(level Level, tag string, msg string) {
	t := time.Now()
	file := "???"
	line := 0
	if _, f, l, ok := runtime.Caller(3); ok {
		file = filepath.Base(f)
		line = l
	}
	formatted := fmt.Sprintf("%s [%s] %-4s %s:%d: %s\n",
		t.Format("2006-01-02 15:04:05.000"), level, tag, file, line, msg)

	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, w := range b.writers {
		if level >= w.level {
			_, _ = w.Write([]byte(formatted))
		}
	}
}
