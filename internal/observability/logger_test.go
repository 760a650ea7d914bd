package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log output is not JSON: %v\n%s", err, line)
	}
	return m
}

func TestLogger_IncludesAgentField(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("Twin", &buf)

	l.Info("hello", "key", "value")

	m := logLine(t, &buf)
	if m["agent"] != "Twin" {
		t.Errorf("agent = %v", m["agent"])
	}
	if m["msg"] != "hello" {
		t.Errorf("msg = %v", m["msg"])
	}
	if m["key"] != "value" {
		t.Errorf("key = %v", m["key"])
	}
}

func TestLogger_TaskEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("Twin", &buf)

	l.TaskEvent("claimed", "abc123", "goal", "do things")

	m := logLine(t, &buf)
	if m["event"] != "claimed" {
		t.Errorf("event = %v", m["event"])
	}
	if m["task_id"] != "abc123" {
		t.Errorf("task_id = %v", m["task_id"])
	}
	if m["goal"] != "do things" {
		t.Errorf("goal = %v", m["goal"])
	}
}

func TestLogger_SubtaskEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("Twin", &buf)

	l.SubtaskEvent("abc123", 0, 3, "executing subtask")

	m := logLine(t, &buf)
	// Indexes are logged one-based for humans.
	if m["subtask"] != float64(1) {
		t.Errorf("subtask = %v, want 1", m["subtask"])
	}
	if m["total_subtasks"] != float64(3) {
		t.Errorf("total_subtasks = %v, want 3", m["total_subtasks"])
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("Twin", &buf).With("component", "runner")

	l.Warn("careful")

	m := logLine(t, &buf)
	if m["component"] != "runner" {
		t.Errorf("component = %v", m["component"])
	}
	if m["level"] != "WARN" {
		t.Errorf("level = %v", m["level"])
	}
}

func TestLogger_AgentName(t *testing.T) {
	if got := NewLogger("Twin", nil).AgentName(); got != "Twin" {
		t.Errorf("AgentName = %q", got)
	}
}
