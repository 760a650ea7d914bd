// Package tasks implements the durable background-task model and its
// SQLite-backed queue. A Task is a persisted unit of autonomous work that
// survives restarts; it moves through pending → decomposing → running →
// done | failed, and owns an ordered list of decomposed Subtasks.
//
// Single-writer deployment: the atomic claim in DequeueNext is safe for one
// worker process. Running multiple workers against the same database
// requires external coordination and is not supported.
package tasks

import "time"

// Status tracks where a task is in its lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDecomposing Status = "decomposing"
	StatusRunning     Status = "running"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// SubtaskStatus tracks one executable step's state.
type SubtaskStatus string

const (
	SubtaskPending SubtaskStatus = "pending"
	SubtaskRunning SubtaskStatus = "running"
	SubtaskDone    SubtaskStatus = "done"
	SubtaskFailed  SubtaskStatus = "failed"
	SubtaskSkipped SubtaskStatus = "skipped"
)

// Subtask is a single decomposed step within a larger task.
type Subtask struct {
	Description string        `json:"description"`
	ToolHints   []string      `json:"tool_hints,omitempty"` // Advisory capability names
	ModelTier   string        `json:"model_tier,omitempty"` // Quality tier hint for the executor
	Status      SubtaskStatus `json:"status"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`

	// VerificationCriteria describes how to confirm the step succeeded.
	VerificationCriteria string `json:"verification_criteria,omitempty"`

	// Reversible is false for actions that cannot be undone
	// (send a message, post, delete).
	Reversible bool `json:"reversible"`

	// DependsOn lists zero-indexed subtask indices this step must wait for.
	DependsOn []int `json:"depends_on,omitempty"`
}

// Task is a persistent background task with decomposed subtasks.
type Task struct {
	ID      string `json:"id"`
	Goal    string `json:"goal"`
	Channel string `json:"channel"` // Origin channel tag, used only for delivery
	UserID  string `json:"user_id"`
	Status  Status `json:"status"`

	Subtasks []Subtask `json:"subtasks"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	NotifyOnComplete bool `json:"notify_on_complete"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// CurrentSubtaskIndex returns the index of the first subtask that is not yet
// done or skipped, or -1 if every subtask settled.
func (t *Task) CurrentSubtaskIndex() int {
	for i, st := range t.Subtasks {
		switch st.Status {
		case SubtaskPending, SubtaskRunning, SubtaskFailed:
			return i
		}
	}
	return -1
}

// AllSubtasksSettled reports whether every subtask ended done or skipped.
func (t *Task) AllSubtasksSettled() bool {
	for _, st := range t.Subtasks {
		if st.Status != SubtaskDone && st.Status != SubtaskSkipped {
			return false
		}
	}
	return true
}
