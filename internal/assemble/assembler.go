// Package assemble turns decoded stream events into an ordered, typed part
// list. It is a pure reducer over events; the streaming session owns the
// instance and serializes access.
package assemble

import (
	"math"
	"time"

	"chatclient/internal/chat"
	"chatclient/internal/stream"
)

// reasoningRun tracks the open reasoning span being extended by deltas.
// Its placeholder part is always the last element of the part list.
type reasoningRun struct {
	id    string
	start time.Time
	idx   int
}

// Assembler accumulates message parts from stream events. Open text and
// reasoning runs live in the part list as in-place placeholders at the tail;
// deltas mutate the placeholder rather than appending, so no event sequence
// can produce duplicate parts.
type Assembler struct {
	parts     []chat.Part
	textIdx   int
	reasoning *reasoningRun
	tools     map[string]int
	thinking  float64

	now func() time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock overrides the time source (used to make durations deterministic
// in tests).
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		a.now = now
	}
}

// New returns an empty Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		textIdx: -1,
		tools:   make(map[string]int),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply folds one event into the part list. Unmodeled event types are a
// no-op.
func (a *Assembler) Apply(ev stream.Event) {
	switch {
	case ev.Type == stream.EventTextDelta:
		a.closeReasoning()
		a.appendText(ev.Delta)

	case ev.Type == stream.EventReasoningStart:
		a.closeText()
		a.closeReasoning()
		a.openReasoning(ev.RunID)

	case ev.Type == stream.EventReasoningDelta:
		a.closeText()
		if a.reasoning != nil && a.reasoning.id != ev.RunID {
			// A different run id forces the open run closed first.
			a.closeReasoning()
		}
		if a.reasoning == nil {
			a.openReasoning(ev.RunID)
		}
		// Partial text is reflected into the part immediately for live
		// rendering.
		a.parts[a.reasoning.idx].Text += ev.Delta

	case ev.IsReasoningEnd():
		a.closeReasoning()

	case ev.Type == stream.EventToolInputStart:
		if idx, ok := a.tools[ev.CallID]; ok {
			// Replayed start for a known invocation; never a second part.
			if ev.ToolName != "" && a.parts[idx].ToolName == "" {
				a.parts[idx].ToolName = ev.ToolName
			}
			return
		}
		a.closeText()
		a.closeReasoning()
		a.insertInvocation(ev.CallID, ev.ToolName)

	case ev.Type == stream.EventToolInputAvailable || ev.Type == stream.EventToolCall:
		idx, ok := a.tools[ev.CallID]
		if !ok {
			a.closeText()
			a.closeReasoning()
			idx = a.insertInvocation(ev.CallID, ev.ToolName)
		}
		if ev.ToolName != "" && a.parts[idx].ToolName == "" {
			a.parts[idx].ToolName = ev.ToolName
		}
		a.parts[idx].Args = ev.Input

	case ev.Type == stream.EventToolOutputAvailable || ev.Type == stream.EventToolResult:
		idx, ok := a.tools[ev.CallID]
		if !ok {
			a.closeText()
			a.closeReasoning()
			idx = a.insertInvocation(ev.CallID, "")
		}
		// call -> result happens at most once; later outputs are dropped.
		if a.parts[idx].State == chat.ToolStateResult {
			return
		}
		a.parts[idx].State = chat.ToolStateResult
		a.parts[idx].Result = ev.Output
	}
}

// Finalize closes any open runs. Called on stream end, cancellation, and
// error.
func (a *Assembler) Finalize() {
	a.closeText()
	a.closeReasoning()
}

// Parts returns a copy of the current part list, including in-progress runs.
func (a *Assembler) Parts() []chat.Part {
	return append([]chat.Part(nil), a.parts...)
}

// ThinkingSeconds returns the cumulative closed reasoning time, rounded to
// whole seconds.
func (a *Assembler) ThinkingSeconds() int {
	return int(math.Round(a.thinking))
}

func (a *Assembler) appendText(delta string) {
	if a.textIdx < 0 {
		a.parts = append(a.parts, chat.TextPart(""))
		a.textIdx = len(a.parts) - 1
	}
	a.parts[a.textIdx].Text += delta
}

func (a *Assembler) closeText() {
	if a.textIdx < 0 {
		return
	}
	if a.parts[a.textIdx].Text == "" {
		// Empty placeholder; an open run is always the tail.
		a.parts = a.parts[:a.textIdx]
	}
	a.textIdx = -1
}

func (a *Assembler) openReasoning(id string) {
	a.parts = append(a.parts, chat.Part{Type: chat.PartReasoning, RunID: id})
	a.reasoning = &reasoningRun{id: id, start: a.now(), idx: len(a.parts) - 1}
}

func (a *Assembler) closeReasoning() {
	if a.reasoning == nil {
		return
	}
	run := a.reasoning
	a.reasoning = nil

	if a.parts[run.idx].Text == "" {
		a.parts = a.parts[:run.idx]
		return
	}

	secs := a.now().Sub(run.start).Seconds()
	if secs > 0 {
		a.thinking += secs
	}
	if d := int(math.Round(secs)); d > 0 {
		a.parts[run.idx].Duration = d
	}
}

func (a *Assembler) insertInvocation(callID, toolName string) int {
	if callID == "" {
		callID = chat.NewCallID()
	}
	a.parts = append(a.parts, chat.Part{
		Type:         chat.PartTool,
		InvocationID: callID,
		ToolName:     toolName,
		State:        chat.ToolStateCall,
	})
	idx := len(a.parts) - 1
	a.tools[callID] = idx
	return idx
}
