package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Raw notifications, ATT PDUs, keep-alive ticks
	DEBUG                 // Classified lines, chunk progress, bridge envelopes
	INFO                  // Session transitions, captures, saves
	WARN                  // Recoverable anomalies (size mismatch, dropped tick)
	ERROR                 // Failed operations
)

var levelNames = map[LogLevel]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO ",
	WARN:  "WARN ",
	ERROR: "ERROR",
}

// String returns the padded level name used in log lines
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "?????"
}

var (
	currentLevel           = INFO
	prefixLevels           = map[string]LogLevel{}
	out          io.Writer = os.Stdout
	timestamps             = false
	mu           sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetPrefixLevel overrides the level for one component prefix
func SetPrefixLevel(prefix string, level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	prefixLevels[prefix] = level
}

// Configure applies a level spec such as "INFO" or "WARN,link=TRACE,command=DEBUG":
// the bare entry sets the global level, prefix=level entries override single
// components. Earlier overrides are cleared.
func Configure(spec string) {
	global := INFO
	overrides := map[string]LogLevel{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if prefix, level, ok := strings.Cut(part, "="); ok {
			overrides[strings.TrimSpace(prefix)] = ParseLevel(level)
			continue
		}
		global = ParseLevel(part)
	}

	mu.Lock()
	defer mu.Unlock()
	currentLevel = global
	prefixLevels = overrides
}

func enabled(level LogLevel, prefix string) bool {
	if l, ok := prefixLevels[prefix]; ok {
		return level >= l
	}
	return level >= currentLevel
}

// SetOutput redirects all log output (tests capture it with a bytes.Buffer)
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// EnableTimestamps prefixes each line with a millisecond wall-clock stamp.
// Useful when diagnosing keep-alive cadence against the rover's fail-safe.
func EnableTimestamps(on bool) {
	mu.Lock()
	defer mu.Unlock()
	timestamps = on
}

// ParseLevel converts a string to a LogLevel, defaulting to INFO
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if !enabled(level, prefix) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	stamp := ""
	if timestamps {
		stamp = time.Now().Format("15:04:05.000") + " "
	}
	if prefix != "" {
		fmt.Fprintf(out, "%s[%s %s] %s\n", stamp, prefix, level, msg)
	} else {
		fmt.Fprintf(out, "%s[%s] %s\n", stamp, level, msg)
	}
}

// Trace logs wire-level detail
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs protocol-level detail
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs high-level events
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// Enabled reports whether a message at level from prefix would be written
func Enabled(level LogLevel, prefix string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled(level, prefix)
}

// ToJSON renders a value for logging. Protobuf messages go through protojson
// so well-known types (Struct, Timestamp) print as plain JSON.
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline: true,
			Indent:    "  ",
		}
		b, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(b)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(b)
}

// TraceJSON logs a trace message with a JSON representation
func TraceJSON(prefix, label string, v interface{}) {
	if !Enabled(TRACE, prefix) {
		return
	}
	log(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if !Enabled(DEBUG, prefix) {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
