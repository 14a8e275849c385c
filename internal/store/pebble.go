package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/tidwall/sjson"

	"chatclient/internal/chat"
	"chatclient/internal/logging"
)

// Key layout:
//
//	meta:conv:<convID>          -> chat.Conversation JSON
//	msg:<convID>:<msgID>        -> record JSON (message + deleted flag)
//	idx:msg:<msgID>             -> convID
//
// Message ids are prefixed ULIDs, so msg keys iterate in creation order.

// record wraps a stored message with its soft-delete tombstone.
type record struct {
	chat.Message
	Deleted bool `json:"deleted,omitempty"`
}

// PebbleStore is a pebble-backed Store used for local persistence and crash
// recovery.
type PebbleStore struct {
	mu  sync.Mutex
	db  *pebble.DB
	log *logging.Logger
}

var _ Store = (*PebbleStore)(nil)

// Open opens (or creates) a pebble database at path.
func Open(path string, log *logging.Logger) (*PebbleStore, error) {
	if log == nil {
		log = logging.Nop()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	log.Info("store opened", "path", path)
	return &PebbleStore{db: db, log: log}, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func convKey(convID string) []byte {
	return []byte("meta:conv:" + convID)
}

func msgKey(convID, msgID string) []byte {
	return []byte("msg:" + convID + ":" + msgID)
}

func msgPrefix(convID string) []byte {
	return []byte("msg:" + convID + ":")
}

func idxKey(msgID string) []byte {
	return []byte("idx:msg:" + msgID)
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

// CreateConversation implements Store.
func (s *PebbleStore) CreateConversation(ctx context.Context, model string) (chat.Conversation, error) {
	now := time.Now().UTC()
	conv := chat.Conversation{
		ID:        chat.NewConversationID(),
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putConversation(conv); err != nil {
		return chat.Conversation{}, err
	}
	return conv, nil
}

// UpdateTitle implements Store.
func (s *PebbleStore) UpdateTitle(ctx context.Context, convID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.getConversation(convID)
	if err != nil {
		return err
	}
	conv.Title = title
	conv.UpdatedAt = time.Now().UTC()
	return s.putConversation(conv)
}

// Fork implements Store. Copied messages keep their ids; identity is stable
// across representations. The id index keeps pointing at the source
// conversation so streaming updates never land in a fork.
func (s *PebbleStore) Fork(ctx context.Context, convID, atMessageID string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.getConversation(convID)
	if err != nil {
		return chat.Conversation{}, err
	}

	now := time.Now().UTC()
	fork := chat.Conversation{
		ID:         chat.NewConversationID(),
		Title:      src.Title,
		Model:      src.Model,
		CreatedAt:  now,
		UpdatedAt:  now,
		ForkedFrom: src.ID,
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	count := 0
	found := false
	err = s.iterateRecords(convID, func(rec record, _ []byte, data []byte) error {
		if found || rec.Deleted {
			return nil
		}
		if err := batch.Set(msgKey(fork.ID, rec.ID), data, nil); err != nil {
			return err
		}
		count++
		if rec.ID == atMessageID {
			found = true
		}
		return nil
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	if !found {
		return chat.Conversation{}, fmt.Errorf("fork at %s: %w", atMessageID, ErrNotFound)
	}

	fork.MessageCount = count
	metaData, err := json.Marshal(fork)
	if err != nil {
		return chat.Conversation{}, err
	}
	if err := batch.Set(convKey(fork.ID), metaData, nil); err != nil {
		return chat.Conversation{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return chat.Conversation{}, fmt.Errorf("commit fork: %w", err)
	}
	s.log.Info("conversation forked", "source", convID, "fork", fork.ID, "messages", count)
	return fork, nil
}

// Conversations implements Store.
func (s *PebbleStore) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	prefix := []byte("meta:conv:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var convs []chat.Conversation
	for iter.First(); iter.Valid(); iter.Next() {
		var conv chat.Conversation
		if err := json.Unmarshal(iter.Value(), &conv); err != nil {
			continue
		}
		convs = append(convs, conv)
	}
	return convs, iter.Error()
}

// AppendMessage implements Store.
func (s *PebbleStore) AppendMessage(ctx context.Context, convID string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(convID, msg)
}

func (s *PebbleStore) appendLocked(convID string, msg chat.Message) error {
	conv, err := s.getConversation(convID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(record{Message: msg})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(msgKey(convID, msg.ID), data, nil); err != nil {
		return err
	}
	// Only set the id index when absent; forks reuse message ids.
	if _, closer, err := s.db.Get(idxKey(msg.ID)); err == pebble.ErrNotFound {
		if err := batch.Set(idxKey(msg.ID), []byte(convID), nil); err != nil {
			return err
		}
	} else if err == nil {
		closer.Close()
	} else {
		return err
	}

	conv.MessageCount++
	conv.UpdatedAt = time.Now().UTC()
	metaData, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	if err := batch.Set(convKey(convID), metaData, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// TruncateFrom implements Store. The tombstone is explicit; content is kept
// for recovery and audit.
func (s *PebbleStore) TruncateFrom(ctx context.Context, convID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	removed := 0
	reached := false
	err := s.iterateRecords(convID, func(rec record, key []byte, data []byte) error {
		if rec.ID == messageID {
			reached = true
		}
		if !reached || rec.Deleted {
			return nil
		}
		patched, err := sjson.SetBytes(data, "deleted", true)
		if err != nil {
			return err
		}
		if err := batch.Set(append([]byte(nil), key...), patched, nil); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return err
	}
	if !reached {
		return fmt.Errorf("truncate from %s: %w", messageID, ErrNotFound)
	}

	conv, err := s.getConversation(convID)
	if err != nil {
		return err
	}
	conv.MessageCount -= removed
	if conv.MessageCount < 0 {
		conv.MessageCount = 0
	}
	conv.UpdatedAt = time.Now().UTC()
	metaData, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	if err := batch.Set(convKey(convID), metaData, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit truncate: %w", err)
	}
	s.log.Info("timeline truncated", "conversation", convID, "from", messageID, "removed", removed)
	return nil
}

// CreateStreamingPlaceholder implements Store.
func (s *PebbleStore) CreateStreamingPlaceholder(ctx context.Context, convID, msgID, model string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := chat.Message{
		ID:        msgID,
		Role:      chat.RoleAssistant,
		Parts:     []chat.Part{chat.TextPart("")},
		Model:     model,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	return s.appendLocked(convID, msg)
}

// UpdateStreamingContent implements Store. The stored record is patched in
// place rather than re-marshalled, so fields this client does not model
// survive round-trips.
func (s *PebbleStore) UpdateStreamingContent(ctx context.Context, msgID string, parts []chat.Part, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, err := s.lookupConversation(msgID)
	if err != nil {
		return err
	}

	key := msgKey(convID, msgID)
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	data = append([]byte(nil), data...)
	closer.Close()

	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	data, err = sjson.SetRawBytes(data, "parts", partsJSON)
	if err != nil {
		return err
	}
	for k, v := range metadata {
		data, err = sjson.SetBytes(data, "metadata."+k, v)
		if err != nil {
			return err
		}
	}

	return s.db.Set(key, data, pebble.Sync)
}

// Messages implements Store.
func (s *PebbleStore) Messages(ctx context.Context, convID string) ([]chat.Message, error) {
	if _, err := s.getConversation(convID); err != nil {
		return nil, err
	}

	var msgs []chat.Message
	err := s.iterateRecords(convID, func(rec record, _ []byte, _ []byte) error {
		if !rec.Deleted {
			msgs = append(msgs, rec.Message)
		}
		return nil
	})
	return msgs, err
}

func (s *PebbleStore) iterateRecords(convID string, fn func(rec record, key, data []byte) error) error {
	prefix := msgPrefix(convID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			s.log.Warn("skipping corrupt record", "key", string(iter.Key()))
			continue
		}
		if err := fn(rec, iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) getConversation(convID string) (chat.Conversation, error) {
	data, closer, err := s.db.Get(convKey(convID))
	if err == pebble.ErrNotFound {
		return chat.Conversation{}, fmt.Errorf("conversation %s: %w", convID, ErrNotFound)
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	defer closer.Close()

	var conv chat.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return chat.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return conv, nil
}

func (s *PebbleStore) putConversation(conv chat.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return s.db.Set(convKey(conv.ID), data, pebble.Sync)
}

func (s *PebbleStore) lookupConversation(msgID string) (string, error) {
	data, closer, err := s.db.Get(idxKey(msgID))
	if err == pebble.ErrNotFound {
		return "", fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(data), nil
}
