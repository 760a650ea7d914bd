// Package runner implements the background task execution engine: a
// single polling worker that claims one task at a time, decomposes it,
// executes subtasks sequentially with retry/backoff, gates the result
// through the critic, and delivers the outcome.
//
// Concurrency model: one worker per deployment. Subtasks within a task run
// strictly in list order and tasks run strictly one at a time, oldest
// pending first. Cancellation is cooperative: a cancelled task finishes its
// in-flight subtask call; the worker stops applying updates once it
// observes the terminal status between subtasks.
package runner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/AmplifyCo/digital-twin/internal/capability"
	"github.com/AmplifyCo/digital-twin/internal/critic"
	"github.com/AmplifyCo/digital-twin/internal/decomposer"
	"github.com/AmplifyCo/digital-twin/internal/notify"
	"github.com/AmplifyCo/digital-twin/internal/observability"
	"github.com/AmplifyCo/digital-twin/internal/tasks"
)

const (
	defaultPollInterval   = 15 * time.Second
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 30 * time.Second

	// maxIterations is the per-subtask iteration budget handed to the
	// executor. Generous for research tasks; a budget, not a correctness
	// bound.
	maxIterations = 8

	maxStoredResultChars = 500
	maxSummaryChars      = 800
	maxErrorChars        = 300
)

// Dependencies holds everything the worker needs. Logger and Metrics are
// optional (nil-safe).
type Dependencies struct {
	Queue      *tasks.Queue
	Decomposer *decomposer.Decomposer
	Executor   capability.Executor
	Critic     *critic.Critic
	Notifier   *notify.Dispatcher

	Logger  *observability.Logger
	Metrics *observability.MetricsCollector

	// AvailableTools is passed to the decomposer's planning prompt.
	AvailableTools []string

	// PollInterval between queue polls. Default 15s.
	PollInterval time.Duration

	// MaxSubtaskRetries caps attempts per subtask. Default 3. Only
	// rate-limit classified errors are retried.
	MaxSubtaskRetries int

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	// Default 30s.
	RetryBaseDelay time.Duration
}

// Status is a snapshot of the worker for health checks.
type Status struct {
	Running       bool   `json:"running"`
	CurrentTaskID string `json:"current_task,omitempty"`
	PendingTasks  int    `json:"pending_tasks"`
}

// Worker is the background task executor loop.
type Worker struct {
	deps Dependencies

	mu            sync.Mutex
	running       bool
	currentTaskID string
}

// New creates a Worker, applying defaults for unset knobs.
func New(deps Dependencies) *Worker {
	if deps.Executor == nil {
		deps.Executor = capability.NoExecutor{}
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = defaultPollInterval
	}
	if deps.MaxSubtaskRetries <= 0 {
		deps.MaxSubtaskRetries = defaultMaxRetries
	}
	if deps.RetryBaseDelay <= 0 {
		deps.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &Worker{deps: deps}
}

// Start runs the polling loop until ctx is cancelled. Errors from
// individual tasks are handled inside the loop and never stop it.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.logInfo("task worker started", "poll_interval", w.deps.PollInterval.String())

	ticker := time.NewTicker(w.deps.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessNext(ctx); err != nil {
			w.logWarn("worker loop error", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			w.logRunSummary()
			w.logInfo("task worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and fully executes the next pending task. It reports
// whether a task was processed. Task-level failures are recorded on the
// task, not returned; only queue/storage errors surface here.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, err := w.deps.Queue.DequeueNext(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	w.setCurrent(task.ID)
	defer w.setCurrent("")

	w.taskEvent("claimed", task.ID, "goal", firstN(task.Goal, 60))
	start := time.Now()

	if err := w.runTask(ctx, task); err != nil {
		errText := firstN(err.Error(), maxErrorChars)
		w.logWarn("task failed", "task_id", task.ID, "error", errText)
		if markErr := w.deps.Queue.MarkFailed(ctx, task.ID, errText); markErr != nil {
			w.logWarn("mark failed write error", "task_id", task.ID, "error", markErr.Error())
		}
		w.recordMetric(observability.MetricErrors, 1, observability.Labels{"task_id": task.ID})
		w.incrCounter("tasks_failed")
		if task.NotifyOnComplete && w.deps.Notifier != nil {
			w.deps.Notifier.Deliver(ctx, task, notify.FailureMessage(task, errText))
		}
	}

	w.incrCounter("tasks_processed")

	w.recordMetric(observability.MetricTaskRuns, 1, observability.Labels{"task_id": task.ID})
	w.recordMetric(observability.MetricLatency, float64(time.Since(start).Milliseconds()),
		observability.Labels{"task_id": task.ID})
	return true, nil
}

// runTask drives one task from decomposition to terminal status. A
// returned error means an unhandled failure escaped the subtask loop; the
// caller marks the task failed.
func (w *Worker) runTask(ctx context.Context, task *tasks.Task) error {
	subtasks := w.deps.Decomposer.Decompose(ctx, task.Goal, task.ID, w.deps.AvailableTools)
	if err := w.deps.Queue.SetSubtasks(ctx, task.ID, subtasks); err != nil {
		return fmt.Errorf("persist decomposition: %w", err)
	}
	task.Subtasks = subtasks
	w.taskEvent("decomposed", task.ID, "subtasks", len(subtasks))

	var allResults []string
	for idx := range subtasks {
		// Observe cooperative cancellation between subtasks: once the
		// task is terminal no further updates are applied.
		if cancelled, err := w.observedTerminal(ctx, task.ID); err != nil {
			return err
		} else if cancelled {
			w.taskEvent("cancellation observed", task.ID, "at_subtask", idx+1)
			return nil
		}

		st := &subtasks[idx]

		// A subtask never starts while a dependency ended failed; it is
		// skipped so later steps still see an honest record.
		if dep, blocked := blockedDependency(subtasks, idx); blocked {
			skipMsg := fmt.Sprintf("skipped: depends on failed step %d", dep+1)
			st.Status = tasks.SubtaskSkipped
			st.Error = skipMsg
			if err := w.deps.Queue.UpdateSubtask(ctx, task.ID, idx, tasks.SubtaskSkipped, "", skipMsg); err != nil {
				return err
			}
			allResults = append(allResults, fmt.Sprintf("Step %d: %s", idx+1, skipMsg))
			continue
		}

		w.subtaskEvent(task.ID, idx, len(subtasks), "executing subtask",
			"description", firstN(st.Description, 60))
		if err := w.deps.Queue.UpdateSubtask(ctx, task.ID, idx, tasks.SubtaskRunning, "", ""); err != nil {
			return err
		}

		result, execErr := w.executeSubtask(ctx, task, st, idx, allResults)
		if execErr != nil {
			errText := "ERROR: " + firstN(execErr.Error(), 200)
			allResults = append(allResults, fmt.Sprintf("Step %d: %s", idx+1, errText))

			if len(subtasks) == 1 {
				// The only subtask failed: nothing can salvage the task.
				if err := w.deps.Queue.UpdateSubtask(ctx, task.ID, idx, tasks.SubtaskFailed, "", errText); err != nil {
					return err
				}
				return fmt.Errorf("sole subtask failed: %w", execErr)
			}

			// Partial failure: record it and keep going so later steps
			// (especially synthesis) can still run on what exists.
			w.logWarn("subtask failed, continuing", "task_id", task.ID, "subtask", idx+1, "error", errText)
			st.Status = tasks.SubtaskFailed
			if err := w.deps.Queue.UpdateSubtask(ctx, task.ID, idx, tasks.SubtaskFailed, "", errText); err != nil {
				return err
			}
			continue
		}

		allResults = append(allResults, fmt.Sprintf("Step %d: %s", idx+1, result))
		st.Status = tasks.SubtaskDone
		if err := w.deps.Queue.UpdateSubtask(ctx, task.ID, idx, tasks.SubtaskDone,
			firstN(result, maxStoredResultChars), ""); err != nil {
			return err
		}
	}

	summary := buildSummary(allResults)

	// Quality gate: fail-open critic, at most one refinement pass.
	if w.deps.Critic != nil {
		verdict := w.deps.Critic.Evaluate(ctx, task.Goal, allResults)
		w.recordMetric(observability.MetricQuality, verdict.Score, observability.Labels{"task_id": task.ID})
		if !verdict.Passed {
			w.taskEvent("quality below threshold, refining", task.ID,
				"score", verdict.Score, "hint", verdict.RefinementHint)
			w.recordMetric(observability.MetricRefinements, 1, observability.Labels{"task_id": task.ID})
			if refined := w.deps.Critic.Refine(ctx, task.Goal, allResults, verdict.RefinementHint); refined != "" {
				summary = firstN(refined, maxSummaryChars)
			}
		}
	}

	// Re-check before the terminal write so a cancel that landed during
	// the final subtask is not overwritten.
	if cancelled, err := w.observedTerminal(ctx, task.ID); err != nil {
		return err
	} else if cancelled {
		w.taskEvent("cancellation observed before completion", task.ID)
		return nil
	}

	if err := w.deps.Queue.MarkDone(ctx, task.ID, summary); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	w.taskEvent("completed", task.ID)

	if task.NotifyOnComplete && w.deps.Notifier != nil {
		artifact := w.deps.Decomposer.ArtifactPath(task.ID)
		w.deps.Notifier.Deliver(ctx, task, notify.SuccessMessage(task, summary, artifact))
	}
	return nil
}

// executeSubtask runs one subtask through the executor capability with
// bounded retries. Only rate-limit classified errors are retried, with
// exponential backoff; anything else is terminal for the attempt.
func (w *Worker) executeSubtask(ctx context.Context, task *tasks.Task, st *tasks.Subtask, idx int, priorResults []string) (string, error) {
	prompt := buildSubtaskPrompt(task, st, idx, priorResults)

	tier := st.ModelTier
	if tier == "" {
		tier = "flash"
	}

	delay := w.deps.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= w.deps.MaxSubtaskRetries; attempt++ {
		result, err := w.deps.Executor.Execute(ctx, capability.ExecRequest{
			Prompt:        prompt,
			ModelTier:     tier,
			MaxIterations: maxIterations,
		})
		if err == nil {
			if result == "" {
				result = "Step completed (no output)"
			}
			return result, nil
		}

		classified := capability.ClassifyError(err)
		lastErr = classified
		if classified.Kind != capability.KindRateLimited || attempt == w.deps.MaxSubtaskRetries {
			return "", classified
		}

		w.logWarn("rate limited, backing off",
			"task_id", task.ID, "subtask", idx+1, "attempt", attempt, "delay", delay.String())
		w.recordMetric(observability.MetricSubtaskRetries, 1, observability.Labels{"task_id": task.ID})
		if err := sleepCtx(ctx, delay); err != nil {
			return "", err
		}
		delay *= 2
	}
	return "", lastErr
}

// observedTerminal re-reads the task and reports whether it reached a
// terminal status through an external write (cancel).
func (w *Worker) observedTerminal(ctx context.Context, taskID string) (bool, error) {
	fresh, err := w.deps.Queue.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return fresh != nil && fresh.Status.Terminal(), nil
}

// logRunSummary logs aggregate run statistics on shutdown.
func (w *Worker) logRunSummary() {
	if w.deps.Metrics == nil {
		return
	}
	counters := w.deps.Metrics.Snapshot()
	latency := w.deps.Metrics.Summarize(observability.MetricLatency, time.Time{})
	quality := w.deps.Metrics.Summarize(observability.MetricQuality, time.Time{})
	w.logInfo("run summary",
		"tasks_processed", counters["tasks_processed"],
		"tasks_failed", counters["tasks_failed"],
		"latency_p50_ms", latency.P50,
		"latency_p95_ms", latency.P95,
		"quality_mean", quality.Mean,
		"metric_points", w.deps.Metrics.Len())
}

// WorkerStatus returns a snapshot for health checks.
func (w *Worker) WorkerStatus(ctx context.Context) Status {
	w.mu.Lock()
	running := w.running
	current := w.currentTaskID
	w.mu.Unlock()

	pending, err := w.deps.Queue.PendingCount(ctx)
	if err != nil {
		pending = -1
	}
	return Status{Running: running, CurrentTaskID: current, PendingTasks: pending}
}

// --- Helpers ---

// buildSubtaskPrompt assembles the executor prompt: up to the last 3 prior
// step results (older ones are dropped to bound prompt size), the overall
// goal, the current step, and advisory hints.
func buildSubtaskPrompt(task *tasks.Task, st *tasks.Subtask, idx int, priorResults []string) string {
	var b strings.Builder

	if len(priorResults) > 0 {
		recent := priorResults
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		b.WriteString("PREVIOUS STEPS COMPLETED:\n")
		b.WriteString(strings.Join(recent, "\n"))
		b.WriteString("\n\n---\n")
	}

	fmt.Fprintf(&b, "BACKGROUND TASK (ID: %s)\nOverall goal: %s\n\nCurrent step (%d): %s\n\nComplete this step and report what you found/did. Be thorough.",
		task.ID, task.Goal, idx+1, st.Description)

	if len(st.ToolHints) > 0 {
		fmt.Fprintf(&b, "\n\nSuggested tools for this step: %s", strings.Join(st.ToolHints, ", "))
	}
	if st.VerificationCriteria != "" {
		fmt.Fprintf(&b, "\n\nVerify success by: %s", st.VerificationCriteria)
	}
	return b.String()
}

// buildSummary extracts the aggregate summary: the synthesis step's result
// verbatim, minus its "Step N:" bookkeeping label, bounded for
// notification use. The full content lives in the artifact file.
func buildSummary(results []string) string {
	if len(results) == 0 {
		return "No results collected."
	}
	last := results[len(results)-1]
	if _, after, found := strings.Cut(last, ": "); found {
		last = after
	}
	return firstN(last, maxSummaryChars)
}

// blockedDependency returns the index of a failed dependency of subtask
// idx, if any.
func blockedDependency(subtasks []tasks.Subtask, idx int) (int, bool) {
	for _, dep := range subtasks[idx].DependsOn {
		if dep < 0 || dep >= idx {
			continue
		}
		if subtasks[dep].Status == tasks.SubtaskFailed {
			return dep, true
		}
	}
	return -1, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// firstN truncates to at most n bytes without splitting a rune.
func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (w *Worker) setCurrent(id string) {
	w.mu.Lock()
	w.currentTaskID = id
	w.mu.Unlock()
}

func (w *Worker) logInfo(msg string, args ...any) {
	if w.deps.Logger != nil {
		w.deps.Logger.Info(msg, args...)
	} else {
		log.Printf("[runner] %s", msg)
	}
}

func (w *Worker) logWarn(msg string, args ...any) {
	if w.deps.Logger != nil {
		w.deps.Logger.Warn(msg, args...)
	} else {
		log.Printf("[runner] WARN: %s", msg)
	}
}

func (w *Worker) taskEvent(event, taskID string, args ...any) {
	if w.deps.Logger != nil {
		w.deps.Logger.TaskEvent(event, taskID, args...)
	} else {
		log.Printf("[runner] task %s: %s", taskID, event)
	}
}

func (w *Worker) subtaskEvent(taskID string, idx, total int, msg string, args ...any) {
	if w.deps.Logger != nil {
		w.deps.Logger.SubtaskEvent(taskID, idx, total, msg, args...)
	} else {
		log.Printf("[runner] task %s: subtask %d/%d: %s", taskID, idx+1, total, msg)
	}
}

func (w *Worker) recordMetric(mt observability.MetricType, value float64, labels observability.Labels) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.Record(mt, value, labels)
	}
}

func (w *Worker) incrCounter(name string) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.Increment(name)
	}
}
