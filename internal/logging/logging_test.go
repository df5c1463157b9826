package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, line []byte) map[string]interface{} {
	t.Helper()
	entry := map[string]interface{}{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("decode line %q: %v", line, err)
	}
	return entry
}

func TestLoggerWritesSchemaCompliantLines(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", SchemaFields{Component: "worker", SessionID: "startup"})

	log.Info("task claimed", map[string]interface{}{"mode": "planning"})

	line := buf.Bytes()
	if err := ValidateLine(line); err != nil {
		t.Fatalf("line fails schema: %v\n%s", err, line)
	}
	entry := decodeLine(t, line)
	if entry["message"] != "task claimed" || entry["level"] != "info" {
		t.Fatalf("entry = %v", entry)
	}
	if entry["component"] != "worker" {
		t.Fatalf("component = %v", entry["component"])
	}
	if entry["mode"] != "planning" {
		t.Fatalf("extra field lost: %v", entry)
	}
}

func TestLoggerLevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", SchemaFields{})

	log.Debug("ignored", nil)
	log.Info("ignored", nil)
	log.Warn("kept", nil)
	log.Error("kept too", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "kept") || !strings.Contains(lines[1], "kept too") {
		t.Fatalf("wrong lines survived:\n%s", buf.String())
	}
}

func TestLoggerWithTaskBindsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "info", SchemaFields{Component: "worker"})
	log := base.WithTask("github/acme/widgets/issue/7", "session-1")

	log.Info("claimed", nil)

	entry := decodeLine(t, buf.Bytes())
	if entry["task_key"] != "github/acme/widgets/issue/7" {
		t.Fatalf("task_key = %v", entry["task_key"])
	}
	if entry["session_id"] != "session-1" {
		t.Fatalf("session_id = %v", entry["session_id"])
	}

	// The parent logger is untouched.
	buf.Reset()
	base.Info("scan", nil)
	entry = decodeLine(t, buf.Bytes())
	if entry["task_key"] == "github/acme/widgets/issue/7" {
		t.Fatalf("parent logger inherited task binding")
	}
}

func TestLoggerNilReceiverIsSafe(t *testing.T) {
	var log *Logger
	log.Info("nothing", nil)
	log.Error("nothing", map[string]interface{}{"k": "v"})
	if log.WithTask("a/b/c/issue/1", "s") != nil {
		t.Fatalf("nil logger must stay nil through WithTask")
	}
}

func TestLoggerRejectsUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", SchemaFields{})
	if err := log.Log("shout", "msg", nil); err == nil {
		t.Fatalf("unknown level accepted")
	}
	if buf.Len() != 0 {
		t.Fatalf("line written despite invalid level: %s", buf.String())
	}
}

func TestValidateLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		ok   bool
	}{
		{"valid", `{"timestamp":"2026-05-01T12:00:00Z","level":"info","component":"worker","session_id":"s1","message":"m"}`, true},
		{"empty", "", false},
		{"not json", "plain text", false},
		{"missing level", `{"timestamp":"2026-05-01T12:00:00Z","component":"worker","session_id":"s1"}`, false},
		{"blank component", `{"timestamp":"2026-05-01T12:00:00Z","level":"info","component":"","session_id":"s1"}`, false},
		{"bad timestamp", `{"timestamp":"yesterday","level":"info","component":"worker","session_id":"s1"}`, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateLine([]byte(c.line))
			if c.ok && err != nil {
				t.Fatalf("valid line rejected: %v", err)
			}
			if !c.ok && err == nil {
				t.Fatalf("invalid line accepted")
			}
		})
	}
}
