// Package applog is the engine's logging seam: a thin leveled wrapper
// over the standard log.Logger with the attempt-count gate from the
// error-handling design -- early retries stay silent below min_log_entry,
// later ones surface as warnings so a flapping chunkserver doesn't
// flood the log while a genuinely stuck operation still shows up.
package applog

import (
	"log"
	"os"
	"sync"
)

// Logger wraps a destination log.Logger with the min_log_entry gate.
type Logger struct {
	mu          sync.Mutex
	out         *log.Logger
	minLogEntry int
}

// New constructs a Logger writing through out, suppressing attempt-gated
// messages below minLogEntry (0 or negative disables the gate).
func New(out *log.Logger, minLogEntry int) *Logger {
	if out == nil {
		out = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Logger{out: out, minLogEntry: minLogEntry}
}

var defaultLogger = New(nil, 5)

// Default returns the process-wide logger used when a component is not
// handed an explicit one.
func Default() *Logger { return defaultLogger }

// Infof logs unconditionally at info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf("I: "+format, args...)
}

// Warnf logs unconditionally at warning level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logf("W: "+format, args...)
}

// Errorf logs unconditionally at error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logf("E: "+format, args...)
}

// Attemptf logs a retryable failure, but only once attempt has reached
// the min_log_entry threshold; below it the failure is recorded
// nowhere, so the first few tries of an operation that usually
// succeeds on retry stay out of the log.
func (l *Logger) Attemptf(attempt int, format string, args ...interface{}) {
	l.mu.Lock()
	gate := l.minLogEntry
	l.mu.Unlock()
	if gate > 0 && attempt < gate {
		return
	}
	l.logf("W: "+format, args...)
}

func (l *Logger) logf(format string, args ...interface{}) {
	l.mu.Lock()
	out := l.out
	l.mu.Unlock()
	out.Printf(format, args...)
}
