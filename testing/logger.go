package testing

import (
	"sync"
	"testing"

	"github.com/arloliu/fleet/types"
)

// NewTestLogger returns a Logger that writes through t.Logf, so log lines
// show up next to the test that produced them.
//
// Lines logged by background goroutines after the test has finished are
// dropped instead of panicking.
func NewTestLogger(t testing.TB) types.Logger {
	l := &testLogger{t: t}
	t.Cleanup(func() {
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
	})

	return l
}

type testLogger struct {
	t    testing.TB
	mu   sync.RWMutex
	done bool
}

var _ types.Logger = (*testLogger)(nil)

func (l *testLogger) logf(format string, args ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.done {
		return
	}
	l.t.Logf(format, args...)
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.logf("DEBUG: %s %v", msg, keysAndValues)
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.logf("INFO: %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...any) {
	l.logf("WARN: %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.logf("ERROR: %s %v", msg, keysAndValues)
}

func (l *testLogger) Fatal(msg string, keysAndValues ...any) {
	l.t.Fatalf("FATAL: %s %v", msg, keysAndValues)
}
