package decomposer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/AmplifyCo/digital-twin/internal/capability"
	"github.com/AmplifyCo/digital-twin/internal/tasks"
)

// plannerFunc adapts a function to the Planner interface.
type plannerFunc func(ctx context.Context, prompt string) (string, error)

func (f plannerFunc) Plan(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

func newTestDecomposer(planner capability.Planner) *Decomposer {
	return New(planner, "Twin", "./data/tasks", nil)
}

func TestDecompose_PlannerUnavailable_Fallback(t *testing.T) {
	d := newTestDecomposer(capability.NoPlanner{})

	subtasks := d.Decompose(context.Background(), "Summarize today's top 3 AI news stories", "abc123", nil)

	if len(subtasks) != 2 {
		t.Fatalf("fallback = %d subtasks, want 2", len(subtasks))
	}
	if !strings.Contains(subtasks[0].Description, "Research") {
		t.Errorf("first step = %q, want research step", subtasks[0].Description)
	}
	if !strings.Contains(subtasks[1].Description, "abc123.txt") {
		t.Errorf("synthesis step = %q, want artifact path", subtasks[1].Description)
	}
	if subtasks[1].ModelTier != "sonnet" {
		t.Errorf("synthesis tier = %q, want sonnet", subtasks[1].ModelTier)
	}
}

func TestDecompose_ValidPlan(t *testing.T) {
	plan := `[
		{"description": "Search the web for AI news", "tool_hints": ["web_search"], "model_tier": "flash"},
		{"description": "Fetch the top article", "tool_hints": ["web_fetch"], "model_tier": "flash"},
		{"description": "Compile all findings into data/tasks/t1.txt with summary", "tool_hints": ["file_operations"], "model_tier": "sonnet"}
	]`
	d := newTestDecomposer(plannerFunc(func(context.Context, string) (string, error) {
		return plan, nil
	}))

	subtasks := d.Decompose(context.Background(), "goal", "t1", []string{"web_search", "web_fetch", "file_operations"})

	if len(subtasks) != 3 {
		t.Fatalf("subtasks = %d, want 3", len(subtasks))
	}
	if subtasks[0].ToolHints[0] != "web_search" {
		t.Errorf("ToolHints = %v", subtasks[0].ToolHints)
	}
	for _, st := range subtasks {
		if st.Status != tasks.SubtaskPending {
			t.Errorf("Status = %q, want pending", st.Status)
		}
	}
}

func TestDecompose_StripsFences(t *testing.T) {
	plan := "```json\n[{\"description\": \"Search the web\", \"model_tier\": \"flash\"}, {\"description\": \"Compile all findings into data/tasks/t2.txt\", \"model_tier\": \"sonnet\"}]\n```"
	d := newTestDecomposer(plannerFunc(func(context.Context, string) (string, error) {
		return plan, nil
	}))

	subtasks := d.Decompose(context.Background(), "goal", "t2", nil)
	if len(subtasks) != 2 {
		t.Fatalf("fenced plan = %d subtasks, want 2", len(subtasks))
	}
}

func TestDecompose_RewritesSynthesisStep(t *testing.T) {
	// Planner ignored the synthesis-last rule; its final step must be
	// forcibly rewritten.
	plan := `[
		{"description": "Search the web", "model_tier": "flash"},
		{"description": "Summarize in chat", "tool_hints": ["chat"], "model_tier": "flash"}
	]`
	d := newTestDecomposer(plannerFunc(func(context.Context, string) (string, error) {
		return plan, nil
	}))

	subtasks := d.Decompose(context.Background(), "goal", "t3", nil)

	last := subtasks[len(subtasks)-1]
	if !strings.Contains(last.Description, "t3.txt") {
		t.Errorf("last step = %q, want rewritten artifact reference", last.Description)
	}
	if last.ModelTier != "sonnet" {
		t.Errorf("last tier = %q, want sonnet", last.ModelTier)
	}
	if len(last.ToolHints) != 1 || last.ToolHints[0] != "file_operations" {
		t.Errorf("last hints = %v", last.ToolHints)
	}
}

func TestDecompose_MalformedJSON_Fallback(t *testing.T) {
	d := newTestDecomposer(plannerFunc(func(context.Context, string) (string, error) {
		return "I think the plan should be roughly: search, then write.", nil
	}))

	subtasks := d.Decompose(context.Background(), "goal", "t4", nil)
	if len(subtasks) != 2 {
		t.Fatalf("malformed plan = %d subtasks, want 2-step fallback", len(subtasks))
	}
}

func TestDecompose_EmptyArray_Fallback(t *testing.T) {
	d := newTestDecomposer(plannerFunc(func(context.Context, string) (string, error) {
		return "[]", nil
	}))

	subtasks := d.Decompose(context.Background(), "goal", "t5", nil)
	if len(subtasks) != 2 {
		t.Fatalf("empty plan = %d subtasks, want 2-step fallback", len(subtasks))
	}
}

func TestDecompose_PlannerError_Fallback(t *testing.T) {
	d := newTestDecomposer(plannerFunc(func(context.Context, string) (string, error) {
		return "", errors.New("planner timeout")
	}))

	subtasks := d.Decompose(context.Background(), "goal", "t6", nil)
	if len(subtasks) != 2 {
		t.Fatalf("planner error = %d subtasks, want 2-step fallback", len(subtasks))
	}
}

func TestDecompose_CapsAtMaxSubtasks(t *testing.T) {
	var items []string
	for i := 0; i < 10; i++ {
		items = append(items, fmt.Sprintf(`{"description": "step %d", "model_tier": "flash"}`, i))
	}
	plan := "[" + strings.Join(items, ",") + "]"
	d := newTestDecomposer(plannerFunc(func(context.Context, string) (string, error) {
		return plan, nil
	}))

	subtasks := d.Decompose(context.Background(), "goal", "t7", nil)
	if len(subtasks) != MaxSubtasks {
		t.Fatalf("subtasks = %d, want capped at %d", len(subtasks), MaxSubtasks)
	}
}

func TestDecompose_SkipsEmptyDescriptions(t *testing.T) {
	plan := `[
		{"description": "  ", "model_tier": "flash"},
		{"description": "real step", "model_tier": "flash"},
		{"description": "Compile all findings into data/tasks/t8.txt", "model_tier": "sonnet"}
	]`
	d := newTestDecomposer(plannerFunc(func(context.Context, string) (string, error) {
		return plan, nil
	}))

	subtasks := d.Decompose(context.Background(), "goal", "t8", nil)
	if len(subtasks) != 2 {
		t.Fatalf("subtasks = %d, want 2 (blank skipped)", len(subtasks))
	}
	if subtasks[0].Description != "real step" {
		t.Errorf("first = %q", subtasks[0].Description)
	}
}

func TestDecompose_DefaultTier(t *testing.T) {
	plan := `[
		{"description": "no tier given"},
		{"description": "Compile all findings into data/tasks/t9.txt", "model_tier": "sonnet"}
	]`
	d := newTestDecomposer(plannerFunc(func(context.Context, string) (string, error) {
		return plan, nil
	}))

	subtasks := d.Decompose(context.Background(), "goal", "t9", nil)
	if subtasks[0].ModelTier != "flash" {
		t.Errorf("default tier = %q, want flash", subtasks[0].ModelTier)
	}
}

func TestDecompose_PromptContainsGoalAndTools(t *testing.T) {
	var captured string
	d := newTestDecomposer(plannerFunc(func(_ context.Context, prompt string) (string, error) {
		captured = prompt
		return "[]", nil
	}))

	d.Decompose(context.Background(), "find the best espresso grinder", "t10", []string{"web_search", "x_tool"})

	if !strings.Contains(captured, "find the best espresso grinder") {
		t.Error("prompt should contain the goal")
	}
	if !strings.Contains(captured, "web_search, x_tool") {
		t.Error("prompt should list available tools")
	}
	if !strings.Contains(captured, "t10.txt") {
		t.Error("prompt should reference the artifact path")
	}
}

func TestArtifactPath(t *testing.T) {
	d := New(nil, "", "", nil)
	got := d.ArtifactPath("abc")
	if !strings.HasSuffix(got, "abc.txt") {
		t.Errorf("ArtifactPath = %q", got)
	}
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"plain":                      "plain",
		"```json\n[1]\n```":          "[1]",
		"```\n{\"a\": 1}\n```":       `{"a": 1}`,
		"  ```json\n[1, 2]\n```   ":  "[1, 2]",
		"```json\n[\"no closing\"]": `["no closing"]`,
	}
	for in, want := range cases {
		if got := stripFences(in); got != want {
			t.Errorf("stripFences(%q) = %q, want %q", in, got, want)
		}
	}
}
