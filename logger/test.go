package logger

import "sync"

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
}

// TestLogger captures log records in memory so tests can assert on them.
type TestLogger struct {
	mu       *sync.Mutex
	metadata map[string]interface{}
	logs     *[]TestLogEntry
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &TestLogger{mu: c.mu, metadata: kv, logs: c.logs}
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) log(severity string, msg string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.logs = append(*c.logs, TestLogEntry{severity, msg, args})
}

// Logs returns a copy of the captured records.
func (c *TestLogger) Logs() []TestLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TestLogEntry, len(*c.logs))
	copy(out, *c.logs)
	return out
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.log("TRACE", msg, args...) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.log("DEBUG", msg, args...) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.log("INFO", msg, args...) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.log("WARNING", msg, args...) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.log("ERROR", msg, args...) }

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	logs := make([]TestLogEntry, 0)
	return &TestLogger{mu: &sync.Mutex{}, logs: &logs}
}
