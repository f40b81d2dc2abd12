// Package consensustest provides helpers shared by the tests of the
// consensus engines.
package consensustest

import (
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"
)

// Logger writes to stderr when tests run in verbose mode and discards
// everything otherwise. It never uses testing.T, so goroutines outliving a
// test can keep logging safely.
type Logger struct {
	Prefix string
	Level  int

	w  io.Writer
	mu sync.Mutex
}

func NewLogger(prefix string) *Logger {
	var w io.Writer = io.Discard
	if testing.Verbose() && os.Getenv("CONSENSUS_TEST_LOGS") != "" {
		w = os.Stderr
	}

	return &Logger{
		Prefix: prefix,
		Level:  1,

		w: w,
	}
}

func (l *Logger) Debug(level int, format string, args ...interface{}) {
	if level > l.Level {
		return
	}

	l.write("debug", format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.write("info", format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.write("error", format, args...)
}

func (l *Logger) write(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.w, "%s %-5s %s  %s\n", time.Now().Format("15:04:05.000"),
		level, l.Prefix, fmt.Sprintf(format, args...))
}

// WaitFor polls cond until it returns true or the timeout expires, in
// which case the test fails with the description.
func WaitFor(t testing.TB, timeout time.Duration, description string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for {
		if cond() {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("timeout after %v waiting for %s", timeout, description)
		}

		time.Sleep(10 * time.Millisecond)
	}
}
