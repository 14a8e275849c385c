package stream

import "encoding/json"

// Event types carried in data records. Anything else passes through with
// Type set and is ignored downstream.
const (
	EventTextDelta           = "text-delta"
	EventReasoningStart      = "reasoning-start"
	EventReasoningDelta      = "reasoning-delta"
	EventReasoningEnd        = "reasoning-end"
	EventReasoningFinish     = "reasoning-finish"
	EventToolInputStart      = "tool-input-start"
	EventToolInputAvailable  = "tool-input-available"
	EventToolOutputAvailable = "tool-output-available"

	// Legacy aliases still emitted by older backends.
	EventToolCall   = "tool-call"
	EventToolResult = "tool-result"
)

// Event is one decoded stream event. Use the Type field to determine which
// of the payload fields are meaningful.
type Event struct {
	Type string

	// Delta carries incremental text for text-delta and reasoning-delta.
	Delta string

	// RunID identifies the reasoning run for reasoning-* events.
	RunID string

	// Tool invocation fields.
	CallID   string
	ToolName string
	Input    json.RawMessage
	Output   json.RawMessage
}

// IsReasoningEnd reports whether the event closes a reasoning run. Both
// spellings occur on the wire.
func (e *Event) IsReasoningEnd() bool {
	return e.Type == EventReasoningEnd || e.Type == EventReasoningFinish
}
