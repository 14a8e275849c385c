package chat

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Metadata keys written by the streaming session.
const (
	MetaPersona         = "persona"
	MetaReasoningEffort = "reasoningEffort"
	MetaThinkingSeconds = "thinkingSeconds"
)

// Message is one conversational turn. A message is immutable once sent,
// except for in-place part and metadata growth on the assistant message
// currently being streamed.
type Message struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Parts     []Part            `json:"parts"`
	Model     string            `json:"model,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsUser returns true if this is a user message.
func (m *Message) IsUser() bool {
	return m.Role == RoleUser
}

// IsAssistant returns true if this is an assistant message.
func (m *Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

// FileParts returns the message's file attachment parts in order.
func (m *Message) FileParts() []Part {
	var files []Part
	for _, p := range m.Parts {
		if p.IsFile() {
			files = append(files, p)
		}
	}
	return files
}

// FirstText returns the text of the first text part, or "".
func (m *Message) FirstText() string {
	for _, p := range m.Parts {
		if p.IsText() {
			return p.Text
		}
	}
	return ""
}

// Clone returns a copy whose part slice and metadata are independent of the
// receiver. Raw JSON payloads inside parts are shared; nothing mutates them
// in place.
func (m *Message) Clone() Message {
	out := *m
	out.Parts = append([]Part(nil), m.Parts...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}

// Conversation is the durable store's handle for an ordered message list.
// The client treats it as opaque apart from these fields.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"model,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ForkedFrom   string    `json:"forkedFrom,omitempty"`
}
