// Package orchestrator sequences user-facing conversation operations onto
// streaming sessions and reconciles local state with updates from other
// devices.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatclient/internal/chat"
	"chatclient/internal/logging"
	"chatclient/internal/session"
	"chatclient/internal/store"
)

// DefaultSuppressCycles is how many reconciliation cycles are skipped after a
// local session ends, so the store's own change notification for that session
// does not replay as a flicker.
const DefaultSuppressCycles = 2

// ErrSessionActive is returned when a mutating operation targets a
// conversation that already has a generation in flight.
var ErrSessionActive = errors.New("a generation is already running for this conversation")

// ErrNoAssistantMessage is returned by Regenerate when the conversation holds
// nothing to regenerate.
var ErrNoAssistantMessage = errors.New("no assistant message to regenerate")

// Backend is the inference collaborator: a generation stream plus one-shot
// title generation.
type Backend interface {
	session.Generator
	GenerateTitle(ctx context.Context, firstUserText string) (string, error)
}

// Identity ensures an authenticated caller context exists, creating one
// transparently when absent. It returns an opaque caller id.
type Identity interface {
	Ensure(ctx context.Context) (string, error)
}

// Config carries per-orchestrator defaults. Zero values fall back to
// package defaults.
type Config struct {
	Model           string
	ReasoningEffort string
	SystemPrompt    string
	WebSearch       bool
	WriteInterval   time.Duration
	SuppressCycles  int

	// OnVisible is invoked with the full visible message list whenever the
	// displayed conversation's state changes.
	OnVisible func(convID string, msgs []chat.Message)

	Logger *logging.Logger
}

// Overrides optionally replace per-request settings on regenerate and edit.
// Empty string / nil means keep the original.
type Overrides struct {
	Model           string
	ReasoningEffort string
	WebSearch       *bool
	Files           []chat.Part
}

// Orchestrator owns the visible message list, the displayed conversation id,
// and the registry of active sessions (at most one per conversation, displayed
// or background).
type Orchestrator struct {
	backend Backend
	st      store.Store
	ident   Identity
	cfg     Config
	log     *logging.Logger

	mu          sync.Mutex
	displayedID string
	visible     []chat.Message
	sessions    map[string]*session.Session
	snapshots   map[string][]chat.Message
	suppress    map[string]int
	titled      map[string]bool
}

// New builds an orchestrator. The store, backend, and identity collaborators
// are required; cfg may be zero.
func New(b Backend, st store.Store, ident Identity, cfg Config) *Orchestrator {
	if cfg.SuppressCycles <= 0 {
		cfg.SuppressCycles = DefaultSuppressCycles
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{
		backend:   b,
		st:        st,
		ident:     ident,
		cfg:       cfg,
		log:       log,
		sessions:  make(map[string]*session.Session),
		snapshots: make(map[string][]chat.Message),
		suppress:  make(map[string]int),
		titled:    make(map[string]bool),
	}
}

// DisplayedID returns the conversation currently on screen.
func (o *Orchestrator) DisplayedID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.displayedID
}

// Visible returns a copy of the visible message list.
func (o *Orchestrator) Visible() []chat.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return chat.CloneMessages(o.visible)
}

// Send appends a user message to convID (creating the conversation when
// convID is empty) and runs a generation over the full history. It blocks
// until the generation completes, aborts, or fails.
func (o *Orchestrator) Send(ctx context.Context, convID, text string, files []chat.Part) (*session.Result, error) {
	if _, err := o.ident.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("ensure identity: %w", err)
	}

	created := false
	if convID == "" {
		conv, err := o.st.CreateConversation(ctx, o.cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		convID = conv.ID
		created = true
		o.mu.Lock()
		if o.displayedID == "" {
			o.displayedID = convID
		}
		o.mu.Unlock()
	}

	if o.hasSession(convID) {
		return nil, ErrSessionActive
	}

	history, err := o.st.Messages(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	userMsg := o.buildUserMessage(text, files)
	if err := o.st.AppendMessage(ctx, convID, userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	history = append(history, userMsg)
	o.setVisibleIfDisplayed(convID, history)

	if created || len(history) == 1 {
		o.titleOnce(ctx, convID, text)
	}

	return o.runSession(ctx, convID, history, Overrides{})
}

// Regenerate discards the assistant message nearest before fromMessageID
// (or the last one when fromMessageID is empty) together with the user
// message that prompted it and everything after, then re-sends that user
// message under a fresh id.
func (o *Orchestrator) Regenerate(ctx context.Context, convID, fromMessageID string, ov Overrides) (*session.Result, error) {
	if o.hasSession(convID) {
		return nil, ErrSessionActive
	}

	msgs, err := o.st.Messages(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	// Scan backward from the anchor position rather than comparing ids, so
	// the search holds for timelines carrying foreign id schemes.
	start := len(msgs) - 1
	if fromMessageID != "" {
		start = -1
		for i, m := range msgs {
			if m.ID == fromMessageID {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("message %s: %w", fromMessageID, store.ErrNotFound)
		}
	}

	asstIdx := -1
	for i := start; i >= 0; i-- {
		if msgs[i].IsAssistant() {
			asstIdx = i
			break
		}
	}
	if asstIdx < 0 {
		return nil, ErrNoAssistantMessage
	}

	userIdx := -1
	for i := asstIdx - 1; i >= 0; i-- {
		if msgs[i].IsUser() {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		return nil, fmt.Errorf("assistant message %s has no prompting user message", msgs[asstIdx].ID)
	}

	original := msgs[userIdx]
	if err := o.st.TruncateFrom(ctx, convID, original.ID); err != nil {
		return nil, fmt.Errorf("truncate: %w", err)
	}

	// A fresh id keeps token accounting for the retry independent of the
	// discarded attempt.
	replacement := original.Clone()
	replacement.ID = chat.NewMessageID()
	replacement.CreatedAt = time.Now().UTC()
	if ov.Files != nil {
		files := append([]chat.Part(nil), ov.Files...)
		replacement.Parts = append(files, chat.TextPart(original.FirstText()))
	}

	if err := o.st.AppendMessage(ctx, convID, replacement); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	history := append(chat.CloneMessages(msgs[:userIdx]), replacement)
	o.setVisibleIfDisplayed(convID, history)

	return o.runSession(ctx, convID, history, ov)
}

// EditAndResend truncates from userMessageID, replaces it with newText plus
// either the supplied files or the original message's file parts, and runs a
// new generation.
func (o *Orchestrator) EditAndResend(ctx context.Context, convID, userMessageID, newText string, ov Overrides) (*session.Result, error) {
	if o.hasSession(convID) {
		return nil, ErrSessionActive
	}

	msgs, err := o.st.Messages(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	idx := -1
	for i, m := range msgs {
		if m.ID == userMessageID && m.IsUser() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("user message %s: %w", userMessageID, store.ErrNotFound)
	}

	files := ov.Files
	if files == nil {
		files = msgs[idx].FileParts()
	}

	if err := o.st.TruncateFrom(ctx, convID, userMessageID); err != nil {
		return nil, fmt.Errorf("truncate: %w", err)
	}

	replacement := o.buildUserMessage(newText, files)
	if err := o.st.AppendMessage(ctx, convID, replacement); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	history := append(chat.CloneMessages(msgs[:idx]), replacement)
	o.setVisibleIfDisplayed(convID, history)

	return o.runSession(ctx, convID, history, ov)
}

// Fork materializes a new conversation holding everything through
// atMessageID. Local streaming state is untouched.
func (o *Orchestrator) Fork(ctx context.Context, convID, atMessageID string) (chat.Conversation, error) {
	return o.st.Fork(ctx, convID, atMessageID)
}

// Cancel stops the displayed conversation's generation, if one is running.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	sess := o.sessions[o.displayedID]
	o.mu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
}

// Navigate switches the displayed conversation. Returning to a conversation
// with an active session restores the session's background snapshot as it
// stands right now; otherwise the message list is fetched from the store.
func (o *Orchestrator) Navigate(ctx context.Context, convID string) ([]chat.Message, error) {
	o.mu.Lock()
	o.displayedID = convID
	if convID == "" {
		// Blank slate; the next Send creates a conversation.
		o.visible = nil
		o.mu.Unlock()
		o.emitVisible("", nil)
		return nil, nil
	}
	_, streaming := o.sessions[convID]
	snapshot := o.snapshots[convID]
	if streaming && snapshot != nil {
		o.visible = chat.CloneMessages(snapshot)
		msgs := chat.CloneMessages(o.visible)
		o.mu.Unlock()
		o.emitVisible(convID, msgs)
		return msgs, nil
	}
	o.mu.Unlock()

	msgs, err := o.st.Messages(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	o.mu.Lock()
	if o.displayedID == convID {
		o.visible = chat.CloneMessages(msgs)
	}
	o.mu.Unlock()
	o.emitVisible(convID, msgs)
	return msgs, nil
}

// Reconcile replaces local state with the store's view of convID when the
// conversation is displayed, idle, and diverged. Calls during the
// post-session suppression window are skipped.
func (o *Orchestrator) Reconcile(ctx context.Context, convID string) error {
	o.mu.Lock()
	if convID != o.displayedID {
		o.mu.Unlock()
		return nil
	}
	if _, streaming := o.sessions[convID]; streaming {
		o.mu.Unlock()
		return nil
	}
	if o.suppress[convID] > 0 {
		o.suppress[convID]--
		o.mu.Unlock()
		return nil
	}
	local := chat.CloneMessages(o.visible)
	o.mu.Unlock()

	external, err := o.st.Messages(ctx, convID)
	if err != nil {
		return fmt.Errorf("reconcile fetch: %w", err)
	}
	if !diverged(local, external) {
		return nil
	}

	o.mu.Lock()
	if o.displayedID != convID {
		o.mu.Unlock()
		return nil
	}
	o.visible = chat.CloneMessages(external)
	o.mu.Unlock()

	o.log.Debug("reconciled from store", "conversation", convID, "messages", len(external))
	o.emitVisible(convID, external)
	return nil
}

// Watch drives reconciliation from a store change feed until ctx is done or
// the feed closes.
func (o *Orchestrator) Watch(ctx context.Context, w store.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-w.Changes():
			if !ok {
				return
			}
			if err := o.Reconcile(ctx, change.ConversationID); err != nil {
				o.log.Warn("reconcile failed", "conversation", change.ConversationID, "error", err)
			}
		}
	}
}

// runSession launches and waits out one generation. Visible state is updated
// optimistically; on a non-abort failure it rolls back to the post-user-
// message snapshot so the user's input survives.
func (o *Orchestrator) runSession(ctx context.Context, convID string, history []chat.Message, ov Overrides) (*session.Result, error) {
	model := o.cfg.Model
	if ov.Model != "" {
		model = ov.Model
	}
	effort := o.cfg.ReasoningEffort
	if ov.ReasoningEffort != "" {
		effort = ov.ReasoningEffort
	}
	webSearch := o.cfg.WebSearch
	if ov.WebSearch != nil {
		webSearch = *ov.WebSearch
	}

	rollback := chat.CloneMessages(history)

	meta := map[string]string{}
	if effort != "" {
		meta[chat.MetaReasoningEffort] = effort
	}

	sess := session.New(o.backend, o.st, session.Options{
		ConversationID:  convID,
		Model:           model,
		ReasoningEffort: effort,
		SystemPrompt:    o.cfg.SystemPrompt,
		WebSearch:       webSearch,
		Metadata:        meta,
		WriteInterval:   o.cfg.WriteInterval,
		Persist:         true,
		Logger:          o.log,
		OnUpdate:        o.mirror(convID, history, model, meta),
	})

	o.mu.Lock()
	if _, exists := o.sessions[convID]; exists {
		o.mu.Unlock()
		return nil, ErrSessionActive
	}
	o.sessions[convID] = sess
	o.mu.Unlock()

	res, err := sess.Run(ctx, history)

	o.mu.Lock()
	delete(o.sessions, convID)
	delete(o.snapshots, convID)
	o.suppress[convID] = o.cfg.SuppressCycles
	o.mu.Unlock()

	if err != nil {
		o.setVisibleIfDisplayed(convID, rollback)
		return nil, err
	}
	return res, nil
}

// mirror builds the session update callback: every update lands in the
// background snapshot unconditionally, and in the visible list only when the
// conversation is displayed at callback time.
func (o *Orchestrator) mirror(convID string, base []chat.Message, model string, meta map[string]string) func(string, string, []chat.Part) {
	base = chat.CloneMessages(base)
	createdAt := time.Now().UTC()

	return func(_ string, msgID string, parts []chat.Part) {
		asst := chat.Message{
			ID:        msgID,
			Role:      chat.RoleAssistant,
			Parts:     parts,
			Model:     model,
			CreatedAt: createdAt,
			Metadata:  meta,
		}
		full := append(chat.CloneMessages(base), asst)

		o.mu.Lock()
		o.snapshots[convID] = full
		displayed := o.displayedID == convID
		if displayed {
			o.visible = chat.CloneMessages(full)
		}
		o.mu.Unlock()

		if displayed {
			o.emitVisible(convID, full)
		}
	}
}

func (o *Orchestrator) buildUserMessage(text string, files []chat.Part) chat.Message {
	parts := append([]chat.Part(nil), files...)
	parts = append(parts, chat.TextPart(text))
	return chat.Message{
		ID:        chat.NewMessageID(),
		Role:      chat.RoleUser,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
}

// titleOnce asynchronously generates and stores a conversation title exactly
// once. The write outlives the request context; a send cancelled after the
// first message still deserves its title.
func (o *Orchestrator) titleOnce(ctx context.Context, convID, firstUserText string) {
	o.mu.Lock()
	if o.titled[convID] {
		o.mu.Unlock()
		return
	}
	o.titled[convID] = true
	o.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	go func() {
		title, err := o.backend.GenerateTitle(bg, firstUserText)
		if err != nil {
			o.log.Warn("title generation failed", "conversation", convID, "error", err)
			return
		}
		title = strings.TrimSpace(title)
		if title == "" {
			return
		}
		if err := o.st.UpdateTitle(bg, convID, title); err != nil {
			o.log.Warn("title write failed", "conversation", convID, "error", err)
		}
	}()
}

func (o *Orchestrator) hasSession(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.sessions[convID]
	return ok
}

func (o *Orchestrator) setVisibleIfDisplayed(convID string, msgs []chat.Message) {
	o.mu.Lock()
	displayed := o.displayedID == convID
	if displayed {
		o.visible = chat.CloneMessages(msgs)
	}
	o.mu.Unlock()
	if displayed {
		o.emitVisible(convID, msgs)
	}
}

func (o *Orchestrator) emitVisible(convID string, msgs []chat.Message) {
	if o.cfg.OnVisible != nil {
		o.cfg.OnVisible(convID, chat.CloneMessages(msgs))
	}
}

// diverged reports whether the external message list differs from the local
// one by count, last id, or the last message's serialized parts.
func diverged(local, external []chat.Message) bool {
	if len(local) != len(external) {
		return true
	}
	if len(local) == 0 {
		return false
	}
	lastL := local[len(local)-1]
	lastE := external[len(external)-1]
	if lastL.ID != lastE.ID {
		return true
	}
	return chat.MarshalParts(lastL.Parts) != chat.MarshalParts(lastE.Parts)
}
