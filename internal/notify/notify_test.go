package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/AmplifyCo/digital-twin/internal/capability"
	"github.com/AmplifyCo/digital-twin/internal/tasks"
)

// fakeChannel records delivery attempts and fails on demand.
type fakeChannel struct {
	name  string
	fail  bool
	calls []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Notify(_ context.Context, recipient, _ string) error {
	f.calls = append(f.calls, recipient)
	if f.fail {
		return errors.New(f.name + " unreachable")
	}
	return nil
}

func TestDeliver_OriginChannelFirst(t *testing.T) {
	cli := &fakeChannel{name: "cli"}
	tg := &fakeChannel{name: "telegram"}
	d := NewDispatcher([]capability.NotifyChannel{cli, tg}, nil, nil)

	task := &tasks.Task{ID: "t1", Channel: "telegram", UserID: "u1"}
	d.Deliver(context.Background(), task, "done")

	if len(tg.calls) != 1 {
		t.Errorf("telegram calls = %d, want 1", len(tg.calls))
	}
	if tg.calls[0] != "u1" {
		t.Errorf("recipient = %q, want u1", tg.calls[0])
	}
	if len(cli.calls) != 0 {
		t.Error("cli should not be tried when the origin channel succeeds")
	}
}

func TestDeliver_FallsBackOnFailure(t *testing.T) {
	tg := &fakeChannel{name: "telegram", fail: true}
	cli := &fakeChannel{name: "cli"}
	d := NewDispatcher([]capability.NotifyChannel{cli, tg}, nil, nil)

	task := &tasks.Task{ID: "t2", Channel: "telegram", UserID: "u1"}
	d.Deliver(context.Background(), task, "done")

	if len(tg.calls) != 1 {
		t.Errorf("telegram calls = %d, want 1", len(tg.calls))
	}
	if len(cli.calls) != 1 {
		t.Errorf("cli calls = %d, want 1 after fallback", len(cli.calls))
	}
}

func TestDeliver_AllChannelsFail(t *testing.T) {
	a := &fakeChannel{name: "a", fail: true}
	b := &fakeChannel{name: "b", fail: true}
	d := NewDispatcher([]capability.NotifyChannel{a, b}, nil, nil)

	// Must swallow total failure, not panic or propagate.
	d.Deliver(context.Background(), &tasks.Task{ID: "t3", Channel: "a"}, "done")

	if len(a.calls) != 1 || len(b.calls) != 1 {
		t.Errorf("calls = %d/%d, want both tried", len(a.calls), len(b.calls))
	}
}

func TestDeliver_NoChannels(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	d.Deliver(context.Background(), &tasks.Task{ID: "t4"}, "done")
}

func TestDeliver_UnknownOriginKeepsConfiguredOrder(t *testing.T) {
	a := &fakeChannel{name: "a", fail: true}
	b := &fakeChannel{name: "b"}
	d := NewDispatcher([]capability.NotifyChannel{a, b}, nil, nil)

	d.Deliver(context.Background(), &tasks.Task{ID: "t5", Channel: "whatsapp"}, "done")

	if len(a.calls) != 1 || len(b.calls) != 1 {
		t.Errorf("calls = %d/%d", len(a.calls), len(b.calls))
	}
}

func TestSuccessMessage(t *testing.T) {
	task := &tasks.Task{Goal: "find the best espresso grinder"}
	msg := SuccessMessage(task, "The Niche Zero wins on value.", "data/tasks/t1.txt")

	if !strings.Contains(msg, "✅") {
		t.Error("success message should carry the success marker")
	}
	if !strings.Contains(msg, "find the best espresso grinder") {
		t.Error("success message should include the goal")
	}
	if !strings.Contains(msg, "data/tasks/t1.txt") {
		t.Error("success message should point at the artifact file")
	}
}

func TestSuccessMessage_TruncatesSummary(t *testing.T) {
	task := &tasks.Task{Goal: "g"}
	long := strings.Repeat("s", 2000)
	msg := SuccessMessage(task, long, "a.txt")

	if strings.Contains(msg, long) {
		t.Error("summary should be truncated")
	}
	if !strings.Contains(msg, strings.Repeat("s", maxSummaryChars)+"...") {
		t.Error("truncated summary should end with ellipsis")
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := strings.Repeat("日", 50)
	got := truncate(s, 100)
	if !utf8.ValidString(got) {
		t.Errorf("truncate split a rune: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated string missing ellipsis: %q", got)
	}

	// 3-byte runes against a 100-byte cap force a mid-rune cut point.
	task := &tasks.Task{Goal: strings.Repeat("日", 50)}
	if msg := FailureMessage(task, "boom"); !utf8.ValidString(msg) {
		t.Error("failure message contains invalid UTF-8")
	}
}

func TestFailureMessage(t *testing.T) {
	task := &tasks.Task{Goal: strings.Repeat("g", 300)}
	msg := FailureMessage(task, strings.Repeat("e", 500))

	if !strings.Contains(msg, "❌") {
		t.Error("failure message should carry the failure marker")
	}
	if strings.Contains(msg, strings.Repeat("g", 300)) {
		t.Error("goal should be truncated")
	}
	if strings.Contains(msg, strings.Repeat("e", 500)) {
		t.Error("error text should be truncated")
	}
}
