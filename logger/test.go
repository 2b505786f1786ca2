package logger

import (
	"context"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity string
	Message  string
	Metadata map[string]interface{}
}

type testLogBook struct {
	mu      sync.Mutex
	entries []TestLogEntry
}

// TestLogger records every entry in memory. Loggers derived via With share
// the same record, and it is safe for concurrent use.
type TestLogger struct {
	metadata map[string]interface{}
	book     *testLogBook
	child    Logger
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithContext(ctx context.Context) Logger { return c }

func (c *TestLogger) WithPrefix(prefix string) Logger { return c }

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := copyFields(c.metadata, len(metadata))
	for k, v := range metadata {
		kv[k] = v
	}
	child := c.child
	if child != nil {
		child = child.With(metadata)
	}
	return &TestLogger{metadata: kv, book: c.book, child: child}
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool { return true }

func (c *TestLogger) record(level LogLevel, severity string, msg string, args []interface{}) {
	c.book.mu.Lock()
	c.book.entries = append(c.book.entries, TestLogEntry{severity, format(msg, args), c.metadata})
	c.book.mu.Unlock()
	relay(c.child, level, msg, args)
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.record(LevelTrace, "TRACE", msg, args) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.record(LevelDebug, "DEBUG", msg, args) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.record(LevelInfo, "INFO", msg, args) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.record(LevelWarn, "WARNING", msg, args) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.record(LevelError, "ERROR", msg, args) }

// Fatal records the entry but does not exit, so tests can assert on it.
func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.record(LevelError, "FATAL", msg, args)
}

func (c *TestLogger) Stack(next Logger) Logger {
	return &TestLogger{metadata: c.metadata, book: c.book, child: next}
}

// Logs returns a copy of everything recorded so far.
func (c *TestLogger) Logs() []TestLogEntry {
	c.book.mu.Lock()
	defer c.book.mu.Unlock()
	out := make([]TestLogEntry, len(c.book.entries))
	copy(out, c.book.entries)
	return out
}

// Count returns the number of entries at severity whose message contains substr.
func (c *TestLogger) Count(severity string, substr string) int {
	var n int
	for _, e := range c.Logs() {
		if e.Severity == severity && strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{book: &testLogBook{}}
}
