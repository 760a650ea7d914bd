// Package critic validates finished task output before delivery and
// triggers a single refinement pass when quality falls short.
//
// The critic is fail-open by design: an unavailable or misbehaving judge
// must never block delivery, so every error path yields a passing verdict.
package critic

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/AmplifyCo/digital-twin/internal/capability"
	"github.com/AmplifyCo/digital-twin/internal/observability"
)

const (
	// PassThreshold is the minimum score considered acceptable.
	PassThreshold = 0.75

	// maxResultsChars caps the result context given to the judge.
	maxResultsChars = 2000

	// maxGoalChars caps the goal text in prompts.
	maxGoalChars = 300
)

const evaluatePrompt = `You are a quality critic for an AI agent's task output.

GOAL: %GOAL%

TASK OUTPUT (from sequential execution steps):
%RESULTS%

Evaluate whether the output genuinely answers the goal:
1. Does it directly address what was asked?
2. Are factual claims grounded in the search/fetch results shown?
3. Is the output complete enough to be useful?

Respond ONLY with valid JSON, no markdown, no explanation:
{"passed": true_or_false, "score": 0.0_to_1.0, "issues": ["issue1", "issue2"], "refinement_hint": "one sentence on what to improve, or empty string if passed"}

Score guide: 0.9+ = excellent, 0.75+ = acceptable, below 0.75 = needs improvement.
Be fair but critical. If the output is reasonable even if imperfect, score >= 0.75.`

const refinePrompt = `You are synthesizing the final answer for a completed research task.

GOAL: %GOAL%

PREVIOUS RESULTS (from task execution):
%RESULTS%

FEEDBACK FROM QUALITY CHECK:
%HINT%

Using the information already gathered above, produce an improved, complete answer
that directly addresses the goal. Be concise and factual. Do not invent information
not present in the results above.`

// Verdict is the ephemeral result of grading a task's output. It is
// produced fresh per evaluation and never persisted.
type Verdict struct {
	Passed         bool     `json:"passed"`
	Score          float64  `json:"score"`
	Issues         []string `json:"issues,omitempty"`
	RefinementHint string   `json:"refinement_hint,omitempty"`
}

// Critic grades task output via a judge capability and refines failing
// output via a synthesis capability.
type Critic struct {
	judge  capability.Judge
	synth  capability.Synthesizer
	logger *observability.Logger
}

// New creates a Critic. If synth is nil the judge capability is reused for
// refinement. logger may be nil.
func New(judge capability.Judge, synth capability.Synthesizer, logger *observability.Logger) *Critic {
	if judge == nil {
		judge = capability.NoJudge{}
	}
	if synth == nil {
		synth = judgeSynthesizer{judge}
	}
	return &Critic{judge: judge, synth: synth, logger: logger}
}

// Evaluate grades the aggregate output against the original goal. It never
// returns an error: any judge failure yields passed=true so the quality
// gate cannot become an availability blocker.
func (c *Critic) Evaluate(ctx context.Context, goal string, results []string) Verdict {
	prompt := buildPrompt(evaluatePrompt, goal, results, "")

	text, err := c.judge.Judge(ctx, prompt)
	if err != nil {
		c.logWarn("judge unavailable, passing through", "error", err.Error())
		return Verdict{Passed: true, Score: 1.0}
	}
	return c.parseVerdict(text)
}

// Refine runs one refinement pass using the critic's feedback hint. It
// returns an empty string on any failure; the caller then keeps the
// original summary.
func (c *Critic) Refine(ctx context.Context, goal string, results []string, hint string) string {
	prompt := buildPrompt(refinePrompt, goal, results, hint)

	refined, err := c.synth.Synthesize(ctx, prompt)
	if err != nil {
		c.logWarn("refinement failed", "error", err.Error())
		return ""
	}
	refined = strings.TrimSpace(refined)
	if refined != "" {
		c.logInfo("refinement produced improved answer", "chars", len(refined))
	}
	return refined
}

// parseVerdict parses the judge's JSON response. The passed flag is always
// recomputed from the score against PassThreshold so the gate stays
// deterministic even when the judge's own boolean disagrees.
func (c *Critic) parseVerdict(text string) Verdict {
	text = stripFences(text)

	var raw struct {
		Passed         *bool    `json:"passed"`
		Score          *float64 `json:"score"`
		Issues         []string `json:"issues"`
		RefinementHint string   `json:"refinement_hint"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		c.logWarn("verdict parse error, passing through", "error", err.Error())
		return Verdict{Passed: true, Score: 0.8}
	}

	score := 0.5
	if raw.Score != nil {
		score = *raw.Score
	}
	// The judge's own boolean is ignored: the gate is recomputed from the
	// numeric score so it stays deterministic.
	return Verdict{
		Passed:         score >= PassThreshold,
		Score:          score,
		Issues:         raw.Issues,
		RefinementHint: raw.RefinementHint,
	}
}

// buildPrompt fills a template with the capped goal and the last few
// result excerpts.
func buildPrompt(template, goal string, results []string, hint string) string {
	goal = firstN(goal, maxGoalChars)
	s := strings.ReplaceAll(template, "%GOAL%", goal)
	s = strings.ReplaceAll(s, "%RESULTS%", formatResults(results))
	s = strings.ReplaceAll(s, "%HINT%", hint)
	return s
}

// formatResults joins the last 3 subtask results, capped so grading stays
// cheap and fast.
func formatResults(results []string) string {
	recent := results
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	text := strings.Join(recent, "\n\n")
	if len(text) > maxResultsChars {
		text = firstN(text, maxResultsChars) + "\n...[truncated]"
	}
	return text
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

// judgeSynthesizer reuses the judge capability for refinement when no
// dedicated synthesizer is configured.
type judgeSynthesizer struct {
	judge capability.Judge
}

func (j judgeSynthesizer) Synthesize(ctx context.Context, prompt string) (string, error) {
	return j.judge.Judge(ctx, prompt)
}

func (c *Critic) logInfo(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Info(msg, args...)
	} else {
		log.Printf("[critic] %s", msg)
	}
}

func (c *Critic) logWarn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	} else {
		log.Printf("[critic] WARN: %s", msg)
	}
}
