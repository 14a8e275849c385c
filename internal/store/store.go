// Package store defines the durable-store collaborator consumed by the
// session and orchestrator, plus a pebble-backed implementation and a
// websocket change-feed watcher.
package store

import (
	"context"
	"errors"

	"chatclient/internal/chat"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the query/mutation surface of the durable store. All operations
// are retryable; the caller decides which are awaited and which are
// fire-and-forget.
type Store interface {
	// CreateConversation materializes a new empty conversation.
	CreateConversation(ctx context.Context, model string) (chat.Conversation, error)

	// UpdateTitle sets a conversation title.
	UpdateTitle(ctx context.Context, convID, title string) error

	// Fork creates a new conversation containing all messages of convID up
	// to and including atMessageID.
	Fork(ctx context.Context, convID, atMessageID string) (chat.Conversation, error)

	// Conversations lists known conversations.
	Conversations(ctx context.Context) ([]chat.Conversation, error)

	// AppendMessage appends a message to a conversation's timeline.
	AppendMessage(ctx context.Context, convID string, msg chat.Message) error

	// TruncateFrom soft-deletes messageID and every later message in the
	// conversation.
	TruncateFrom(ctx context.Context, convID, messageID string) error

	// CreateStreamingPlaceholder registers an empty assistant message before
	// the first token arrives.
	CreateStreamingPlaceholder(ctx context.Context, convID, msgID, model string, metadata map[string]string) error

	// UpdateStreamingContent replaces the parts (and optionally metadata) of
	// a streaming assistant message.
	UpdateStreamingContent(ctx context.Context, msgID string, parts []chat.Part, metadata map[string]string) error

	// Messages returns a conversation's live (non-deleted) messages in
	// chronological order.
	Messages(ctx context.Context, convID string) ([]chat.Message, error)
}

// Change is one externally sourced data-change notification.
type Change struct {
	ConversationID string `json:"conversationId"`
}

// Watcher delivers change notifications from the durable store, typically
// originating on another device. The channel closes when the feed ends.
type Watcher interface {
	Changes() <-chan Change
	Close() error
}
