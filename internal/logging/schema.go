package logging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SchemaFields are the fields every log line must carry. Task-scoped
// processes fill TaskKey and SessionID once at startup and every line
// inherits them.
type SchemaFields struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	TaskKey   string `json:"task_key"`
	SessionID string `json:"session_id"`
}

func populateRequiredFields(fields SchemaFields) SchemaFields {
	if fields.Timestamp == "" {
		fields.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if strings.TrimSpace(fields.Level) == "" {
		fields.Level = "info"
	}
	if strings.TrimSpace(fields.Component) == "" {
		fields.Component = "coding-agent"
	}
	if strings.TrimSpace(fields.SessionID) == "" {
		fields.SessionID = fields.TaskKey
	}
	return fields
}

// ValidateLine checks that a serialized log line satisfies the schema.
// Used by tests and by the log shipper's ingest guard.
func ValidateLine(line []byte) error {
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 {
		return fmt.Errorf("log line is empty")
	}

	entry := map[string]interface{}{}
	if err := json.Unmarshal(line, &entry); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}

	required := []string{"timestamp", "level", "component", "session_id"}
	for _, field := range required {
		value, ok := entry[field]
		if !ok {
			return fmt.Errorf("missing required field %q", field)
		}
		raw, ok := value.(string)
		if !ok || strings.TrimSpace(raw) == "" {
			return fmt.Errorf("required field %q must be a non-empty string", field)
		}
		if field == "timestamp" {
			if _, err := time.Parse(time.RFC3339, raw); err != nil {
				return fmt.Errorf("invalid timestamp %q: %w", raw, err)
			}
		}
	}
	return nil
}
