package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which messages a ProductionLogger emits.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// ParseLogLevel maps a level name to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogDebug
	case "warn", "warning":
		return LogWarn
	case "error":
		return LogError
	default:
		return LogInfo
	}
}

// ProductionLogger writes structured JSON lines to an io.Writer.
// Safe for concurrent use.
type ProductionLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewProductionLogger creates a logger writing to stdout at the given level.
func NewProductionLogger(level LogLevel) *ProductionLogger {
	return &ProductionLogger{out: os.Stdout, level: level}
}

// NewProductionLoggerWithWriter creates a logger with a custom writer,
// mainly for tests.
func NewProductionLoggerWithWriter(out io.Writer, level LogLevel) *ProductionLogger {
	return &ProductionLogger{out: out, level: level}
}

// WithComponent returns a copy of the logger that stamps every entry with
// a component field (e.g. "orchestrator/balancer").
func (l *ProductionLogger) WithComponent(component string) *ProductionLogger {
	return &ProductionLogger{out: l.out, level: l.level, component: component}
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogDebug, "debug", msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogInfo, "info", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogWarn, "warn", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogError, "error", msg, fields)
}

func (l *ProductionLogger) log(level LogLevel, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		// Errors don't marshal to anything useful; flatten them first.
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fall back to a plain line rather than dropping the message.
		data = []byte(fmt.Sprintf(`{"level":%q,"message":%q}`, name, msg))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}
