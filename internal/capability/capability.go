// Package capability defines the contracts for the external abilities the
// task core consumes but does not implement: planning, subtask execution,
// output judging and refinement synthesis.
//
// Components that lack an ability receive an explicit No* implementation
// instead of being probed reflectively; every consumer degrades gracefully
// when it gets ErrUnavailable back.
package capability

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable is returned by the No* implementations.
var ErrUnavailable = errors.New("capability unavailable")

// Planner turns a planning prompt into text. The response is expected to be
// a strict JSON array but may arrive markdown-fenced or malformed; callers
// must validate before trusting it.
type Planner interface {
	Plan(ctx context.Context, prompt string) (string, error)
}

// ExecRequest holds parameters for one subtask execution.
type ExecRequest struct {
	Prompt        string // Full subtask prompt including prior-step context
	ModelTier     string // Quality tier hint ("flash", "sonnet", ...)
	MaxIterations int    // Iteration budget for the agent loop, not a correctness bound
}

// Executor runs one subtask through the agent loop and returns its textual
// result. Errors should be classified with ClassifyError so the runner can
// distinguish retryable rate limits from terminal failures.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (string, error)
}

// Judge grades a finished task's output. The response is expected to be a
// JSON object {passed, score, issues, refinement_hint}.
type Judge interface {
	Judge(ctx context.Context, prompt string) (string, error)
}

// Synthesizer produces a refined final answer. May be backed by the same
// model as the Judge or by a higher-quality one.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string) (string, error)
}

// NotifyChannel delivers a final status message to a recipient.
type NotifyChannel interface {
	Name() string
	Notify(ctx context.Context, recipient, message string) error
}

// --- Executor error classification ---

// ErrorKind classifies an executor failure for retry decisions.
type ErrorKind int

const (
	// KindTerminal errors are recorded as step failures without retry.
	KindTerminal ErrorKind = iota
	// KindRateLimited errors are retried with backoff up to the attempt cap.
	KindRateLimited
)

// ExecError is a classified executor failure.
type ExecError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecError) Error() string { return e.Err.Error() }
func (e *ExecError) Unwrap() error { return e.Err }

// ClassifyError wraps a raw executor error with a retry classification.
// Providers that surface rate limits only as message text ("429",
// "rate_limit") are recognized here, keeping that string match out of the
// runner's control flow.
func ClassifyError(err error) *ExecError {
	if err == nil {
		return nil
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee
	}
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate_limit") {
		return &ExecError{Kind: KindRateLimited, Err: err}
	}
	return &ExecError{Kind: KindTerminal, Err: err}
}

// IsRateLimited reports whether an error classifies as a retryable rate
// limit.
func IsRateLimited(err error) bool {
	return ClassifyError(err) != nil && ClassifyError(err).Kind == KindRateLimited
}

// --- No-op implementations ---

// NoPlanner is the Planner for deployments without a planning model.
type NoPlanner struct{}

func (NoPlanner) Plan(context.Context, string) (string, error) { return "", ErrUnavailable }

// NoExecutor is the Executor for deployments without an agent loop.
type NoExecutor struct{}

func (NoExecutor) Execute(context.Context, ExecRequest) (string, error) { return "", ErrUnavailable }

// NoJudge is the Judge for deployments without a critic model.
type NoJudge struct{}

func (NoJudge) Judge(context.Context, string) (string, error) { return "", ErrUnavailable }

// NoSynthesizer is the Synthesizer for deployments without a refinement
// model.
type NoSynthesizer struct{}

func (NoSynthesizer) Synthesize(context.Context, string) (string, error) {
	return "", ErrUnavailable
}
