package assemble_test

import (
	"testing"
	"time"

	"chatclient/internal/assemble"
	"chatclient/internal/chat"
	"chatclient/internal/stream"
)

// fakeClock advances a fixed step on every reading so reasoning runs get
// deterministic durations.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func newAssembler(step time.Duration) *assemble.Assembler {
	clock := &fakeClock{t: time.Unix(1700000000, 0), step: step}
	return assemble.New(assemble.WithClock(clock.now))
}

func textDelta(s string) stream.Event {
	return stream.Event{Type: stream.EventTextDelta, Delta: s}
}

func TestTextDeltasProduceSinglePart(t *testing.T) {
	a := newAssembler(0)
	for _, d := range []string{"Hel", "lo", ", ", "world"} {
		a.Apply(textDelta(d))
	}
	a.Finalize()

	parts := a.Parts()
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if !parts[0].IsText() || parts[0].Text != "Hello, world" {
		t.Errorf("unexpected part: %+v", parts[0])
	}
}

func TestReasoningRunConcatenatesDeltas(t *testing.T) {
	a := newAssembler(2 * time.Second)
	a.Apply(stream.Event{Type: stream.EventReasoningStart, RunID: "r1"})
	a.Apply(stream.Event{Type: stream.EventReasoningDelta, RunID: "r1", Delta: "first "})
	a.Apply(stream.Event{Type: stream.EventReasoningDelta, RunID: "r1", Delta: "second"})
	a.Apply(stream.Event{Type: stream.EventReasoningEnd, RunID: "r1"})

	parts := a.Parts()
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	p := parts[0]
	if !p.IsReasoning() || p.Text != "first second" {
		t.Errorf("unexpected reasoning part: %+v", p)
	}
	if p.Duration <= 0 {
		t.Errorf("expected positive duration, got %d", p.Duration)
	}
	if a.ThinkingSeconds() <= 0 {
		t.Error("expected cumulative thinking seconds")
	}
}

func TestReasoningIDSwitchClosesOpenRun(t *testing.T) {
	a := newAssembler(time.Second)
	a.Apply(stream.Event{Type: stream.EventReasoningStart, RunID: "r1"})
	a.Apply(stream.Event{Type: stream.EventReasoningDelta, RunID: "r1", Delta: "one"})
	a.Apply(stream.Event{Type: stream.EventReasoningDelta, RunID: "r2", Delta: "two"})
	a.Finalize()

	parts := a.Parts()
	if len(parts) != 2 {
		t.Fatalf("expected 2 reasoning parts, got %d: %+v", len(parts), parts)
	}
	if parts[0].RunID != "r1" || parts[0].Text != "one" {
		t.Errorf("bad first run: %+v", parts[0])
	}
	if parts[1].RunID != "r2" || parts[1].Text != "two" {
		t.Errorf("bad second run: %+v", parts[1])
	}
}

func TestTextDeltaClosesReasoningRun(t *testing.T) {
	a := newAssembler(time.Second)
	a.Apply(stream.Event{Type: stream.EventReasoningStart, RunID: "0"})
	a.Apply(stream.Event{Type: stream.EventReasoningDelta, RunID: "0", Delta: "Let me think"})
	a.Apply(stream.Event{Type: stream.EventReasoningEnd})
	a.Apply(textDelta("Hi"))
	a.Apply(textDelta(" there"))
	a.Finalize()

	parts := a.Parts()
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d: %+v", len(parts), parts)
	}
	if !parts[0].IsReasoning() || parts[0].Text != "Let me think" {
		t.Errorf("bad reasoning part: %+v", parts[0])
	}
	if !parts[1].IsText() || parts[1].Text != "Hi there" {
		t.Errorf("bad text part: %+v", parts[1])
	}
}

func TestToolInvocationLifecycle(t *testing.T) {
	a := newAssembler(0)
	a.Apply(textDelta("calling a tool"))
	a.Apply(stream.Event{Type: stream.EventToolInputStart, CallID: "c1", ToolName: "search"})
	a.Apply(stream.Event{Type: stream.EventToolInputAvailable, CallID: "c1", Input: []byte(`{"q":"go"}`)})
	a.Apply(stream.Event{Type: stream.EventToolOutputAvailable, CallID: "c1", Output: []byte(`{"hits":3}`)})
	a.Finalize()

	parts := a.Parts()
	if len(parts) != 2 {
		t.Fatalf("expected text + one invocation, got %d: %+v", len(parts), parts)
	}
	inv := parts[1]
	if !inv.IsTool() || inv.InvocationID != "c1" || inv.ToolName != "search" {
		t.Fatalf("bad invocation part: %+v", inv)
	}
	if inv.State != chat.ToolStateResult {
		t.Errorf("expected result state, got %q", inv.State)
	}
	if string(inv.Args) != `{"q":"go"}` || string(inv.Result) != `{"hits":3}` {
		t.Errorf("bad args/result: %s / %s", inv.Args, inv.Result)
	}
}

func TestToolResultTransitionHappensOnce(t *testing.T) {
	a := newAssembler(0)
	a.Apply(stream.Event{Type: stream.EventToolCall, CallID: "c1", ToolName: "calc", Input: []byte(`{"n":1}`)})
	a.Apply(stream.Event{Type: stream.EventToolResult, CallID: "c1", Output: []byte(`2`)})
	a.Apply(stream.Event{Type: stream.EventToolResult, CallID: "c1", Output: []byte(`999`)})
	a.Finalize()

	parts := a.Parts()
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if string(parts[0].Result) != "2" {
		t.Errorf("second result must be dropped, got %s", parts[0].Result)
	}
}

func TestDuplicateEventsDoNotDuplicateParts(t *testing.T) {
	a := newAssembler(0)
	a.Apply(textDelta("x"))
	a.Apply(stream.Event{Type: stream.EventToolInputStart, CallID: "c1", ToolName: "search"})
	a.Apply(stream.Event{Type: stream.EventToolInputAvailable, CallID: "c1", Input: []byte(`{}`)})
	a.Apply(stream.Event{Type: stream.EventToolInputAvailable, CallID: "c1", Input: []byte(`{}`)})
	a.Finalize()

	parts := a.Parts()
	if len(parts) != 2 {
		t.Fatalf("duplicate input events must not duplicate parts: %+v", parts)
	}
}

func TestRepeatedToolInputStartKeepsOneInvocation(t *testing.T) {
	a := newAssembler(0)
	a.Apply(stream.Event{Type: stream.EventToolInputStart, CallID: "c1"})
	a.Apply(stream.Event{Type: stream.EventToolInputStart, CallID: "c1", ToolName: "search"})
	a.Apply(stream.Event{Type: stream.EventToolInputAvailable, CallID: "c1", Input: []byte(`{}`)})
	a.Finalize()

	parts := a.Parts()
	if len(parts) != 1 {
		t.Fatalf("duplicate tool-input-start must not duplicate parts: %+v", parts)
	}
	inv := parts[0]
	if inv.InvocationID != "c1" || inv.ToolName != "search" {
		t.Errorf("replayed start should fill the missing tool name, got %+v", inv)
	}
	if string(inv.Args) != `{}` {
		t.Errorf("input must land on the original invocation: %s", inv.Args)
	}
}

func TestUnmodeledEventsAreNoOps(t *testing.T) {
	a := newAssembler(0)
	a.Apply(textDelta("hello"))
	a.Apply(stream.Event{Type: "usage"})
	a.Apply(stream.Event{Type: "finish-step"})
	a.Finalize()

	parts := a.Parts()
	if len(parts) != 1 || parts[0].Text != "hello" {
		t.Fatalf("unmodeled events must not change state: %+v", parts)
	}
}

func TestEmptyRunsLeaveNoParts(t *testing.T) {
	a := newAssembler(time.Second)
	a.Apply(stream.Event{Type: stream.EventReasoningStart, RunID: "r1"})
	a.Apply(stream.Event{Type: stream.EventReasoningEnd})
	a.Finalize()

	if parts := a.Parts(); len(parts) != 0 {
		t.Fatalf("empty reasoning run must not leave a part: %+v", parts)
	}
}

func TestInterleavingPreservesEmissionOrder(t *testing.T) {
	a := newAssembler(time.Second)
	a.Apply(textDelta("intro"))
	a.Apply(stream.Event{Type: stream.EventReasoningStart, RunID: "r1"})
	a.Apply(stream.Event{Type: stream.EventReasoningDelta, RunID: "r1", Delta: "hmm"})
	a.Apply(stream.Event{Type: stream.EventToolInputStart, CallID: "c1", ToolName: "lookup"})
	a.Apply(textDelta("outro"))
	a.Finalize()

	parts := a.Parts()
	want := []string{chat.PartText, chat.PartReasoning, chat.PartTool, chat.PartText}
	if len(parts) != len(want) {
		t.Fatalf("expected %d parts, got %d: %+v", len(want), len(parts), parts)
	}
	for i, typ := range want {
		if parts[i].Type != typ {
			t.Errorf("part %d: expected %s, got %s", i, typ, parts[i].Type)
		}
	}
}

func TestPartsReturnsCopy(t *testing.T) {
	a := newAssembler(0)
	a.Apply(textDelta("abc"))

	snapshot := a.Parts()
	a.Apply(textDelta("def"))

	if snapshot[0].Text != "abc" {
		t.Errorf("snapshot must not observe later mutation: %q", snapshot[0].Text)
	}
}
