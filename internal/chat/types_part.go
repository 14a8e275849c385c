package chat

import "encoding/json"

// Part type discriminators.
const (
	PartText      = "text"
	PartFile      = "file"
	PartReasoning = "reasoning"
	PartTool      = "tool-invocation"
	PartSources   = "sources"
)

// Tool invocation states.
const (
	ToolStateCall   = "call"
	ToolStateResult = "result"
)

// Source is one citation attached to a sources part.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Part represents one typed fragment of a message's content. Use the Type
// field to determine the specific variant; only the fields of that variant
// are populated.
type Part struct {
	Type string `json:"type"`

	// Text / reasoning fields
	Text string `json:"text,omitempty"`

	// Reasoning fields. RunID is the backend-issued run identifier;
	// Duration is whole seconds, set once the run closes.
	RunID    string `json:"id,omitempty"`
	Duration int    `json:"duration,omitempty"`

	// File fields
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`

	// Tool invocation fields
	InvocationID string          `json:"invocationId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	State        string          `json:"state,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`

	// Sources fields
	Sources []Source `json:"sources,omitempty"`
}

// IsText returns true if this is a text part.
func (p *Part) IsText() bool {
	return p.Type == PartText
}

// IsFile returns true if this is a file part.
func (p *Part) IsFile() bool {
	return p.Type == PartFile
}

// IsReasoning returns true if this is a reasoning part.
func (p *Part) IsReasoning() bool {
	return p.Type == PartReasoning
}

// IsTool returns true if this is a tool invocation part.
func (p *Part) IsTool() bool {
	return p.Type == PartTool
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// FilePart builds a file attachment part.
func FilePart(mediaType, url, fileName string, size int64) Part {
	return Part{Type: PartFile, MediaType: mediaType, URL: url, FileName: fileName, FileSize: size}
}

// MarshalParts returns the canonical serialized form of a part list. The
// session's write dedup and the orchestrator's divergence check both compare
// this form, so it must be deterministic.
func MarshalParts(parts []Part) string {
	data, err := json.Marshal(parts)
	if err != nil {
		return ""
	}
	return string(data)
}
