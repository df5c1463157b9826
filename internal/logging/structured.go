package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

type logLevel int

const (
	logLevelDebug logLevel = iota
	logLevelInfo
	logLevelWarn
	logLevelError
)

// Logger writes structured JSON lines to an io.Writer. It is safe for a
// single session goroutine; sessions never share a logger instance.
type Logger struct {
	w        io.Writer
	minLevel logLevel
	defaults SchemaFields
}

// New returns a logger that writes structured JSON lines to w.
func New(w io.Writer, minLevel string, defaults SchemaFields) *Logger {
	return &Logger{w: w, minLevel: parseLevelOrDefault(minLevel), defaults: populateRequiredFields(defaults)}
}

// WithTask returns a copy of the logger bound to a task key and session ID.
func (l *Logger) WithTask(taskKey, sessionID string) *Logger {
	if l == nil {
		return nil
	}
	clone := *l
	clone.defaults.TaskKey = strings.TrimSpace(taskKey)
	clone.defaults.SessionID = strings.TrimSpace(sessionID)
	clone.defaults = populateRequiredFields(clone.defaults)
	return &clone
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) { _ = l.Log("debug", msg, fields) }
func (l *Logger) Info(msg string, fields map[string]interface{})  { _ = l.Log("info", msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { _ = l.Log("warn", msg, fields) }
func (l *Logger) Error(msg string, fields map[string]interface{}) { _ = l.Log("error", msg, fields) }

// Log writes a single structured JSON line when level passes the
// configured threshold.
func (l *Logger) Log(level string, msg string, fields map[string]interface{}) error {
	if l == nil || l.w == nil {
		return nil
	}

	entryLevel := normalizeLevel(level)
	entrySeverity, ok := parseLevel(entryLevel)
	if !ok {
		return fmt.Errorf("invalid log level %q", level)
	}
	if entrySeverity < l.minLevel {
		return nil
	}

	entry := map[string]interface{}{}
	for key, value := range fields {
		entry[key] = value
	}
	entry["message"] = msg
	entry["level"] = entryLevel
	entry["component"] = chooseField(entry["component"], l.defaults.Component)
	entry["task_key"] = chooseField(entry["task_key"], l.defaults.TaskKey)
	entry["session_id"] = chooseField(entry["session_id"], l.defaults.SessionID)
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = l.w.Write(append(payload, '\n'))
	return err
}

func parseLevelOrDefault(raw string) logLevel {
	parsed, ok := parseLevel(normalizeLevel(raw))
	if !ok {
		return logLevelInfo
	}
	return parsed
}

func normalizeLevel(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func parseLevel(raw string) (logLevel, bool) {
	switch raw {
	case "debug":
		return logLevelDebug, true
	case "info":
		return logLevelInfo, true
	case "warn", "warning":
		return logLevelWarn, true
	case "error":
		return logLevelError, true
	default:
		return 0, false
	}
}

func chooseField(raw interface{}, fallback string) string {
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
