package tasks

import "testing"

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusDecomposing, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusDone, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
}

func TestTask_CurrentSubtaskIndex(t *testing.T) {
	task := &Task{Subtasks: []Subtask{
		{Status: SubtaskDone},
		{Status: SubtaskSkipped},
		{Status: SubtaskFailed},
		{Status: SubtaskPending},
	}}

	// Failed counts as unsettled: it is the first actionable step.
	if got := task.CurrentSubtaskIndex(); got != 2 {
		t.Errorf("CurrentSubtaskIndex = %d, want 2", got)
	}
}

func TestTask_CurrentSubtaskIndex_AllSettled(t *testing.T) {
	task := &Task{Subtasks: []Subtask{
		{Status: SubtaskDone},
		{Status: SubtaskSkipped},
	}}
	if got := task.CurrentSubtaskIndex(); got != -1 {
		t.Errorf("CurrentSubtaskIndex = %d, want -1", got)
	}
}

func TestTask_AllSubtasksSettled(t *testing.T) {
	task := &Task{Subtasks: []Subtask{
		{Status: SubtaskDone},
		{Status: SubtaskSkipped},
	}}
	if !task.AllSubtasksSettled() {
		t.Error("done+skipped should count as settled")
	}

	task.Subtasks = append(task.Subtasks, Subtask{Status: SubtaskFailed})
	if task.AllSubtasksSettled() {
		t.Error("failed subtask should not count as settled")
	}
}
