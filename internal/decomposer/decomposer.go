// Package decomposer breaks a high-level goal into concrete, executable
// subtasks using an external planner capability.
//
// Planning rules (enforced here, not assumed of the planner):
//   - 3–7 subtasks, each independently executable
//   - no redundant searches
//   - subtasks in execution order
//   - the final subtask is always a synthesis step that writes the task's
//     durable artifact file
//
// Decompose never fails: on any planner problem it returns a fixed two-step
// research + synthesis plan.
package decomposer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/AmplifyCo/digital-twin/internal/capability"
	"github.com/AmplifyCo/digital-twin/internal/observability"
	"github.com/AmplifyCo/digital-twin/internal/tasks"
)

// MaxSubtasks caps decomposition to prevent over-planning.
const MaxSubtasks = 7

const promptTemplate = `You are a task planner for an autonomous AI agent named %s.
Your job: break a high-level goal into 3-7 concrete, sequential subtasks.

RULES:
1. Each subtask must be independently executable - it must have a clear single output
2. No redundant subtasks - don't repeat the same search with different wording
3. Max 7 subtasks total
4. Subtasks must be in execution order (earlier results feed into later ones)
5. The LAST subtask must always be a synthesis step: "Compile all findings into a file at %s and summarize in 3 bullet points"
6. Use ONLY tools from the Available Tools list
7. Assign model_tier: "flash" for searches/reads, "sonnet" for synthesis/writing

Available Tools: %s

Goal: %s

Respond ONLY with a JSON array. No explanation, no markdown fences.
Example format:
[
  {"description": "Search the web for recent reviews of the product", "tool_hints": ["web_search"], "model_tier": "flash"},
  {"description": "Fetch the project README from its repository", "tool_hints": ["web_fetch"], "model_tier": "flash"},
  {"description": "Compile all findings into %s with summary", "tool_hints": ["file_operations"], "model_tier": "sonnet"}
]`

// Decomposer turns goals into ordered subtask plans.
type Decomposer struct {
	planner     capability.Planner
	agentName   string
	artifactDir string
	logger      *observability.Logger
}

// New creates a Decomposer. artifactDir is where synthesis steps write
// their durable output files (default "./data/tasks"). logger may be nil.
func New(planner capability.Planner, agentName, artifactDir string, logger *observability.Logger) *Decomposer {
	if planner == nil {
		planner = capability.NoPlanner{}
	}
	if agentName == "" {
		agentName = "Twin"
	}
	if artifactDir == "" {
		artifactDir = "./data/tasks"
	}
	// Clean so prompt paths and the rewrite check agree.
	artifactDir = filepath.Clean(artifactDir)
	return &Decomposer{
		planner:     planner,
		agentName:   agentName,
		artifactDir: artifactDir,
		logger:      logger,
	}
}

// ArtifactPath returns the durable output file for a task.
func (d *Decomposer) ArtifactPath(taskID string) string {
	return filepath.Join(d.artifactDir, taskID+".txt")
}

// Decompose breaks a goal into ordered subtasks. It always returns a
// usable, non-empty plan; planner failures degrade to the two-step
// fallback and are never surfaced to the caller.
func (d *Decomposer) Decompose(ctx context.Context, goal, taskID string, availableTools []string) []tasks.Subtask {
	if len(availableTools) == 0 {
		availableTools = []string{"web_search", "file_operations", "web_fetch"}
	}
	artifact := d.ArtifactPath(taskID)
	prompt := fmt.Sprintf(promptTemplate,
		d.agentName, artifact, strings.Join(availableTools, ", "), goal, artifact)

	text, err := d.planner.Plan(ctx, prompt)
	if err != nil {
		d.logWarn("planner unavailable, using fallback decomposition", "task_id", taskID, "error", err.Error())
		return d.fallback(goal, taskID)
	}

	subtasks := d.parsePlan(text, taskID)
	if len(subtasks) == 0 {
		d.logWarn("planner returned no usable plan, using fallback", "task_id", taskID)
		return d.fallback(goal, taskID)
	}

	d.logInfo("goal decomposed", "task_id", taskID, "subtasks", len(subtasks))
	return subtasks
}

// parsePlan parses the planner's JSON array into subtasks, repairing the
// synthesis-last invariant if the planner ignored it.
func (d *Decomposer) parsePlan(text, taskID string) []tasks.Subtask {
	text = stripFences(text)

	var items []planItem
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		d.logWarn("plan parse error", "task_id", taskID, "error", err.Error())
		return nil
	}
	if len(items) > MaxSubtasks {
		items = items[:MaxSubtasks]
	}

	var subtasks []tasks.Subtask
	for _, item := range items {
		desc := strings.TrimSpace(item.Description)
		if desc == "" {
			continue
		}
		tier := item.ModelTier
		if tier == "" {
			tier = "flash"
		}
		subtasks = append(subtasks, tasks.Subtask{
			Description:          desc,
			ToolHints:            item.ToolHints,
			ModelTier:            tier,
			Status:               tasks.SubtaskPending,
			VerificationCriteria: item.VerificationCriteria,
			DependsOn:            item.DependsOn,
			Reversible:           true,
		})
	}

	// The last subtask must reference the artifact path regardless of
	// planner compliance; rewrite it wholesale if it doesn't.
	if len(subtasks) > 0 {
		last := &subtasks[len(subtasks)-1]
		if !strings.Contains(last.Description, d.artifactDir) {
			last.Description = synthesisDescription(d.ArtifactPath(taskID))
			last.ToolHints = []string{"file_operations"}
			last.ModelTier = "sonnet"
		}
	}

	return subtasks
}

// fallback is the minimal two-step plan used when the planner is
// unavailable or returned garbage.
func (d *Decomposer) fallback(goal, taskID string) []tasks.Subtask {
	return []tasks.Subtask{
		{
			Description: "Research the following using web_search and web_fetch: " + goal,
			ToolHints:   []string{"web_search", "web_fetch"},
			ModelTier:   "flash",
			Status:      tasks.SubtaskPending,
			Reversible:  true,
		},
		{
			Description: synthesisDescription(d.ArtifactPath(taskID)),
			ToolHints:   []string{"file_operations"},
			ModelTier:   "sonnet",
			Status:      tasks.SubtaskPending,
			Reversible:  true,
		},
	}
}

type planItem struct {
	Description          string   `json:"description"`
	ToolHints            []string `json:"tool_hints"`
	ModelTier            string   `json:"model_tier"`
	VerificationCriteria string   `json:"verification_criteria"`
	DependsOn            []int    `json:"depends_on"`
}

func synthesisDescription(artifactPath string) string {
	return "Compile all findings into " + artifactPath + " and summarize in 3 bullet points"
}

// stripFences removes markdown code fences a model may wrap JSON in.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 1 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[1 : len(lines)-1]
	} else {
		lines = lines[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (d *Decomposer) logInfo(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Info(msg, args...)
	} else {
		log.Printf("[decomposer] %s", msg)
	}
}

func (d *Decomposer) logWarn(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, args...)
	} else {
		log.Printf("[decomposer] WARN: %s", msg)
	}
}
