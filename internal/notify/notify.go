// Package notify delivers final task status through an ordered chain of
// notification channels.
//
// Delivery is best-effort: the task's origin channel is tried first, then
// each configured fallback in order. A task that finished its work is never
// re-failed because the user could not be told; total delivery failure is
// logged and swallowed.
package notify

import (
	"context"
	"fmt"
	"log"
	"unicode/utf8"

	"github.com/AmplifyCo/digital-twin/internal/capability"
	"github.com/AmplifyCo/digital-twin/internal/observability"
	"github.com/AmplifyCo/digital-twin/internal/tasks"
)

const (
	maxSummaryChars = 600
	maxGoalChars    = 100
	maxErrorChars   = 200
)

// Dispatcher routes final status messages through notification channels.
type Dispatcher struct {
	channels []capability.NotifyChannel // Fallback order
	logger   *observability.Logger
	metrics  *observability.MetricsCollector
}

// NewDispatcher creates a Dispatcher with an ordered fallback chain.
// logger and metrics may be nil.
func NewDispatcher(channels []capability.NotifyChannel, logger *observability.Logger, metrics *observability.MetricsCollector) *Dispatcher {
	return &Dispatcher{channels: channels, logger: logger, metrics: metrics}
}

// Deliver sends a message for a completed or failed task. The task's origin
// channel is attempted first; remaining channels are tried in configured
// order until one succeeds. Failure never propagates to the caller.
func (d *Dispatcher) Deliver(ctx context.Context, task *tasks.Task, message string) {
	for _, ch := range d.ordered(task.Channel) {
		err := ch.Notify(ctx, task.UserID, message)
		if err == nil {
			d.logInfo("notification delivered", "task_id", task.ID, "channel", ch.Name())
			return
		}
		d.logWarn("notification channel failed, trying next",
			"task_id", task.ID, "channel", ch.Name(), "error", err.Error())
		if d.metrics != nil {
			d.metrics.Record(observability.MetricNotifyFailures, 1,
				observability.Labels{"channel": ch.Name()})
		}
	}
	d.logWarn("all notification channels failed", "task_id", task.ID)
}

// ordered returns the channel chain with the origin channel moved to the
// front.
func (d *Dispatcher) ordered(origin string) []capability.NotifyChannel {
	result := make([]capability.NotifyChannel, 0, len(d.channels))
	for _, ch := range d.channels {
		if ch.Name() == origin {
			result = append(result, ch)
		}
	}
	for _, ch := range d.channels {
		if ch.Name() != origin {
			result = append(result, ch)
		}
	}
	return result
}

// SuccessMessage formats the completion notification: bounded summary plus
// a pointer to the full artifact file.
func SuccessMessage(task *tasks.Task, summary, artifactPath string) string {
	return fmt.Sprintf(
		"✅ *Background task complete*\n\n*Goal:* %s\n\n%s\n\n📄 Full report: `%s`",
		truncate(task.Goal, maxGoalChars),
		truncate(summary, maxSummaryChars),
		artifactPath,
	)
}

// FailureMessage formats the failure notification with a bounded error
// excerpt.
func FailureMessage(task *tasks.Task, errText string) string {
	return fmt.Sprintf(
		"❌ *Background task failed*\n\n*Goal:* %s\n*Error:* %s\n\nPlease try again or rephrase the request.",
		truncate(task.Goal, maxGoalChars),
		truncate(errText, maxErrorChars),
	)
}

// truncate bounds s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func (d *Dispatcher) logInfo(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Info(msg, args...)
	} else {
		log.Printf("[notify] %s", msg)
	}
}

func (d *Dispatcher) logWarn(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, args...)
	} else {
		log.Printf("[notify] WARN: %s", msg)
	}
}
