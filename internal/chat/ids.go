package chat

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID prefixes. ULIDs sort lexicographically by creation time, so prefixed ids
// double as chronological sort keys in the durable store.
const (
	prefixMessage      = "msg_"
	prefixConversation = "conv_"
	prefixCall         = "call_"
)

// Monotonic entropy keeps ids strictly increasing even within the same
// millisecond; store iteration order depends on it.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID(prefix string) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	now := time.Now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		// Monotonic overflow within one millisecond; retake the timestamp.
		id = ulid.MustNew(ulid.Timestamp(now.Add(time.Millisecond)), entropy)
	}
	return prefix + id.String()
}

// NewMessageID returns a fresh message id.
func NewMessageID() string { return newID(prefixMessage) }

// NewConversationID returns a fresh conversation id.
func NewConversationID() string { return newID(prefixConversation) }

// NewCallID returns a fresh tool invocation id.
func NewCallID() string { return newID(prefixCall) }

// IsMessageID reports whether id carries the message prefix.
func IsMessageID(id string) bool { return strings.HasPrefix(id, prefixMessage) }
