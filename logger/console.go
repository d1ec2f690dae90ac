package logger

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))

func color(val string) string {
	if isWindows || noColor {
		return ""
	}
	return val
}

const (
	ansiReset  = "\033[0m"
	ansiGray   = "\033[1;90m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
)

type consoleLogger struct {
	level    LogLevel
	prefixes []string
	metadata map[string]interface{}
	mu       *sync.Mutex
}

var _ Logger = (*consoleLogger)(nil)

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.level
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &consoleLogger{level: c.level, prefixes: c.prefixes, metadata: kv, mu: c.mu}
}

func (c *consoleLogger) WithPrefix(prefix string) Logger {
	prefixes := append(append([]string{}, c.prefixes...), prefix)
	return &consoleLogger{level: c.level, prefixes: prefixes, metadata: c.metadata, mu: c.mu}
}

func (c *consoleLogger) write(level LogLevel, label, levelColor, msg string, args []interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	var sb strings.Builder
	sb.WriteString(color(ansiGray))
	sb.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	sb.WriteString(color(ansiReset))
	sb.WriteString(" ")
	sb.WriteString(color(levelColor))
	sb.WriteString(fmt.Sprintf("[%-5s]", label))
	sb.WriteString(color(ansiReset))
	if len(c.prefixes) > 0 {
		sb.WriteString(" " + strings.Join(c.prefixes, " "))
	}
	sb.WriteString(" ")
	sb.WriteString(fmt.Sprintf(msg, args...))
	if len(c.metadata) > 0 {
		keys := make([]string, 0, len(c.metadata))
		for k := range c.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf(" %s%s=%v%s", color(ansiGray), k, c.metadata[k], color(ansiReset)))
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(os.Stdout, sb.String())
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.write(LevelTrace, "TRACE", ansiGray, msg, args)
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.write(LevelDebug, "DEBUG", ansiCyan, msg, args)
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.write(LevelInfo, "INFO", ansiGreen, msg, args)
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.write(LevelWarn, "WARN", ansiYellow, msg, args)
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.write(LevelError, "ERROR", ansiRed, msg, args)
}

// NewConsoleLogger returns a new Logger instance which will log to the console
func NewConsoleLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &consoleLogger{level: level, mu: &sync.Mutex{}}
}
