package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is RFC3339 with a fixed nanosecond fraction. The fixed width
// keeps stored timestamps lexically ordered, so FIFO dequeue order is
// recoverable from the data even for enqueues within the same second.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Queue is a SQLite-backed persistent task queue.
//
// Every write runs in a single transaction, so a crash between two logical
// steps leaves the task in a recoverable, non-terminal state. Tasks are
// never deleted here; retention is an external policy.
type Queue struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewQueue opens (or creates) a SQLite-backed task queue.
// Use ":memory:" for an in-memory database.
func NewQueue(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode so status queries don't block the worker's writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id                 TEXT PRIMARY KEY,
		goal               TEXT NOT NULL,
		channel            TEXT NOT NULL DEFAULT 'telegram',
		user_id            TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'pending',
		subtasks_json      TEXT NOT NULL DEFAULT '[]',
		result             TEXT NOT NULL DEFAULT '',
		error              TEXT NOT NULL DEFAULT '',
		notify_on_complete INTEGER NOT NULL DEFAULT 1,
		created_at         TEXT NOT NULL,
		started_at         TEXT,
		completed_at       TEXT
	);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Queue{db: db}, nil
}

// Enqueue adds a new task with status pending and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, goal, channel, userID string, notifyOnComplete bool) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	now := time.Now().UTC().Format(timeFormat)

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, goal, channel, user_id, status, subtasks_json, notify_on_complete, created_at)
		VALUES (?, ?, ?, ?, 'pending', '[]', ?, ?)`,
		id, goal, channel, userID, boolToInt(notifyOnComplete), now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// DequeueNext atomically claims the oldest pending task: it is selected and
// transitioned to decomposing in the same transaction, so a second poller
// never picks the same task. Returns nil if no task is pending.
func (q *Queue) DequeueNext(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE status='pending' ORDER BY created_at LIMIT 1")
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET status='decomposing' WHERE id=? AND status='pending'", task.ID); err != nil {
		return nil, fmt.Errorf("dequeue: claim %q: %w", task.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue: commit: %w", err)
	}

	task.Status = StatusDecomposing
	return task, nil
}

// SetSubtasks persists the decomposition, moves the task to running, and
// records the start timestamp.
func (q *Queue) SetSubtasks(ctx context.Context, taskID string, subtasks []Subtask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(subtasks)
	if err != nil {
		return fmt.Errorf("set subtasks %q: marshal: %w", taskID, err)
	}
	_, err = q.db.ExecContext(ctx,
		"UPDATE tasks SET subtasks_json=?, status='running', started_at=? WHERE id=?",
		string(data), time.Now().UTC().Format(timeFormat), taskID,
	)
	if err != nil {
		return fmt.Errorf("set subtasks %q: %w", taskID, err)
	}
	return nil
}

// UpdateSubtask overwrites one subtask's status, result and error by index.
// Idempotent: calling it twice with the same data leaves the stored list
// identical, so it is safe to repeat after a crash mid-write. Unknown task
// IDs and out-of-range indices are ignored.
func (q *Queue) UpdateSubtask(ctx context.Context, taskID string, index int, status SubtaskStatus, result, errText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update subtask: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT subtasks_json FROM tasks WHERE id=?", taskID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("update subtask %q: %w", taskID, err)
	}

	var subtasks []Subtask
	if err := json.Unmarshal([]byte(raw), &subtasks); err != nil {
		return fmt.Errorf("update subtask %q: unmarshal: %w", taskID, err)
	}
	if index < 0 || index >= len(subtasks) {
		return nil
	}
	subtasks[index].Status = status
	subtasks[index].Result = result
	subtasks[index].Error = errText

	data, err := json.Marshal(subtasks)
	if err != nil {
		return fmt.Errorf("update subtask %q: marshal: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET subtasks_json=? WHERE id=?", string(data), taskID); err != nil {
		return fmt.Errorf("update subtask %q: %w", taskID, err)
	}
	return tx.Commit()
}

// MarkDone marks a task completed with a result summary.
func (q *Queue) MarkDone(ctx context.Context, taskID, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx,
		"UPDATE tasks SET status='done', result=?, completed_at=? WHERE id=?",
		result, time.Now().UTC().Format(timeFormat), taskID,
	)
	if err != nil {
		return fmt.Errorf("mark done %q: %w", taskID, err)
	}
	return nil
}

// MarkFailed marks a task failed with an error excerpt.
func (q *Queue) MarkFailed(ctx context.Context, taskID, errText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx,
		"UPDATE tasks SET status='failed', error=?, completed_at=? WHERE id=?",
		errText, time.Now().UTC().Format(timeFormat), taskID,
	)
	if err != nil {
		return fmt.Errorf("mark failed %q: %w", taskID, err)
	}
	return nil
}

// Cancel transitions a non-terminal task to failed with a cancellation
// marker. Terminal tasks are left untouched.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status='failed', error='Cancelled by user', completed_at=?
		WHERE id=? AND status IN ('pending', 'decomposing', 'running')`,
		time.Now().UTC().Format(timeFormat), taskID,
	)
	if err != nil {
		return fmt.Errorf("cancel %q: %w", taskID, err)
	}
	return nil
}

// Get fetches a task by ID. Returns nil if not found.
func (q *Queue) Get(ctx context.Context, taskID string) (*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	row := q.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id=?", taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", taskID, err)
	}
	return task, nil
}

// PendingCount returns the number of tasks not yet terminal.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status IN ('pending', 'decomposing', 'running')").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return count, nil
}

// ActiveTasks returns all tasks with status pending, decomposing or running,
// newest first.
func (q *Queue) ActiveTasks(ctx context.Context) ([]*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE status IN ('pending', 'decomposing', 'running') ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("active tasks: %w", err)
	}
	return collectTasks(rows)
}

// ActiveAndRecent returns all active tasks plus done/failed tasks completed
// within the given window. Recency is defined by completion timestamp, not
// creation — a long-running task that finished a minute ago is recent.
func (q *Queue) ActiveAndRecent(ctx context.Context, window time.Duration) ([]*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window).Format(timeFormat)
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('pending', 'decomposing', 'running')
		   OR (status IN ('done', 'failed') AND completed_at >= ?)
		ORDER BY created_at DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("active and recent: %w", err)
	}
	return collectTasks(rows)
}

// Close shuts down the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// --- Internal ---

const taskColumns = "id, goal, channel, user_id, status, subtasks_json, result, error, notify_on_complete, created_at, started_at, completed_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status, subtasksJSON, createdAt string
	var startedAt, completedAt sql.NullString
	var notify int

	err := row.Scan(&t.ID, &t.Goal, &t.Channel, &t.UserID, &status, &subtasksJSON,
		&t.Result, &t.Error, &notify, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.NotifyOnComplete = notify != 0
	if err := json.Unmarshal([]byte(subtasksJSON), &t.Subtasks); err != nil {
		return nil, fmt.Errorf("unmarshal subtasks: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid && startedAt.String != "" {
		t.StartedAt, _ = time.Parse(time.RFC3339, startedAt.String)
	}
	if completedAt.Valid && completedAt.String != "" {
		t.CompletedAt, _ = time.Parse(time.RFC3339, completedAt.String)
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()

	var result []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
