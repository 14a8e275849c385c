// Package session owns one conversation's in-flight generation: the
// placeholder message, the decode→assemble pump, the debounced durable-write
// loop, and cancellation.
package session

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"chatclient/internal/assemble"
	"chatclient/internal/backend"
	"chatclient/internal/chat"
	"chatclient/internal/logging"
	"chatclient/internal/metrics"
	"chatclient/internal/stream"
)

// DefaultWriteInterval bounds data loss on crash to one interval of
// generation.
const DefaultWriteInterval = 250 * time.Millisecond

// Store is the slice of the durable store a session needs.
type Store interface {
	CreateStreamingPlaceholder(ctx context.Context, convID, msgID, model string, metadata map[string]string) error
	UpdateStreamingContent(ctx context.Context, msgID string, parts []chat.Part, metadata map[string]string) error
}

// Generator opens a generation stream; the backend client implements it.
type Generator interface {
	Generate(ctx context.Context, req backend.GenerateRequest) (io.ReadCloser, error)
}

// State is the session lifecycle state.
type State int

const (
	StateCreated State = iota
	StatePlaceholderPersisted
	StateStreaming
	StateCompleted
	StateAborted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePlaceholderPersisted:
		return "placeholder-persisted"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Options configures one generation attempt.
type Options struct {
	ConversationID  string
	Model           string
	ReasoningEffort string

	// SystemPrompt is snapshotted by the caller at request time so persona
	// changes mid-conversation only affect the next turn.
	SystemPrompt string
	WebSearch    bool

	// Metadata is attached to the placeholder and the final write (persona
	// name, reasoning effort, ...).
	Metadata map[string]string

	// WriteInterval defaults to DefaultWriteInterval.
	WriteInterval time.Duration

	// Persist disables all durable writes when false (ephemeral/preview
	// use); created and placeholder-persisted collapse in that mode.
	Persist bool

	// OnUpdate is invoked with the full current part list after the
	// placeholder appears and after every applied event. The callback must
	// decide fresh, on every call, whether the parts touch visible state.
	OnUpdate func(convID, msgID string, parts []chat.Part)

	Logger *logging.Logger
}

// Result is the terminal outcome of a generation. A cancelled generation is
// a valid, persisted outcome flagged Aborted, not an error.
type Result struct {
	MessageID       string
	Parts           []chat.Part
	ThinkingSeconds int
	Aborted         bool
}

// Session drives one generation attempt. At most one session exists per
// conversation at a time; the orchestrator enforces that.
type Session struct {
	opts Options
	gen  Generator
	st   Store
	log  *logging.Logger

	msgID string

	mu          sync.Mutex
	asm         *assemble.Assembler
	lastWritten string
	state       State
	cancel      context.CancelFunc
}

// New allocates a session and its assistant-message id. Nothing runs until
// Run.
func New(gen Generator, st Store, opts Options) *Session {
	if opts.WriteInterval <= 0 {
		opts.WriteInterval = DefaultWriteInterval
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Session{
		opts:  opts,
		gen:   gen,
		st:    st,
		log:   log.With("conversation", opts.ConversationID),
		msgID: chat.NewMessageID(),
		asm:   assemble.New(),
		state: StateCreated,
	}
}

// MessageID returns the assistant message id this session streams into.
func (s *Session) MessageID() string {
	return s.msgID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel requests cooperative cancellation. The processing loop exits on its
// next check; partial content is finalized and persisted.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the generation to completion, cancellation, or error. The
// placeholder surfaces through OnUpdate before any network call resolves.
func (s *Session) Run(ctx context.Context, history []chat.Message) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	// Writes outlive cancellation: partial content of a cancelled stream is
	// still a valid persisted outcome.
	persistCtx := context.WithoutCancel(ctx)

	s.emitUpdate(s.placeholderParts())

	if s.opts.Persist {
		go func() {
			err := s.st.CreateStreamingPlaceholder(persistCtx, s.opts.ConversationID, s.msgID, s.opts.Model, s.opts.Metadata)
			if err != nil {
				// Best effort; in-memory state stays authoritative until the
				// final write.
				s.log.Warn("placeholder write failed", "message", s.msgID, "error", err)
				return
			}
			s.setState(StatePlaceholderPersisted)
		}()
	}

	body, err := s.gen.Generate(ctx, backend.GenerateRequest{
		Messages:        history,
		ConversationID:  s.opts.ConversationID,
		Model:           s.opts.Model,
		ReasoningEffort: s.opts.ReasoningEffort,
		SystemPrompt:    s.opts.SystemPrompt,
		WebSearch:       s.opts.WebSearch,
	})
	if err != nil {
		s.setState(StateErrored)
		s.finalWrite(persistCtx)
		metrics.SessionsEnded.WithLabelValues("errored").Inc()
		return nil, err
	}
	defer body.Close()

	s.setState(StateStreaming)
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if s.opts.Persist {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.writeLoop(persistCtx, stop)
		}()
	}

	streamErr := s.pump(ctx, body)

	close(stop)
	wg.Wait()

	s.mu.Lock()
	s.asm.Finalize()
	parts := s.asm.Parts()
	thinking := s.asm.ThinkingSeconds()
	s.mu.Unlock()
	s.emitUpdate(parts)

	s.finalWrite(persistCtx)

	switch {
	case streamErr != nil:
		s.setState(StateErrored)
		metrics.SessionsEnded.WithLabelValues("errored").Inc()
		return nil, fmt.Errorf("generation stream: %w", streamErr)

	case ctx.Err() != nil:
		s.setState(StateAborted)
		metrics.SessionsEnded.WithLabelValues("aborted").Inc()
		return &Result{MessageID: s.msgID, Parts: parts, ThinkingSeconds: thinking, Aborted: true}, nil

	default:
		s.setState(StateCompleted)
		metrics.SessionsEnded.WithLabelValues("completed").Inc()
		return &Result{MessageID: s.msgID, Parts: parts, ThinkingSeconds: thinking}, nil
	}
}

// pump feeds the response body through the decoder into the assembler. It
// returns nil on graceful end and on cancellation; cancellation is resolved
// by the caller from ctx.
func (s *Session) pump(ctx context.Context, body io.Reader) error {
	dec := stream.NewDecoder(body)
	for {
		if ctx.Err() != nil {
			return nil
		}

		ev, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				// The transport read failed because we tore it down.
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.asm.Apply(ev)
		parts := s.asm.Parts()
		s.mu.Unlock()

		s.emitUpdate(parts)
	}
}

func (s *Session) writeLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.WriteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// flush writes the current parts if and only if the serialized form changed
// since the previous write. Content only ever grows, so skipped writes are
// safe and issued writes are monotonically non-decreasing.
func (s *Session) flush(ctx context.Context) {
	s.mu.Lock()
	parts := s.asm.Parts()
	serialized := chat.MarshalParts(parts)
	if serialized == s.lastWritten {
		s.mu.Unlock()
		metrics.WritesSkipped.Inc()
		return
	}
	s.lastWritten = serialized
	s.mu.Unlock()

	if err := s.st.UpdateStreamingContent(ctx, s.msgID, parts, nil); err != nil {
		s.log.Warn("periodic write failed", "message", s.msgID, "error", err)
		return
	}
	metrics.WritesIssued.Inc()
}

// finalWrite persists the finalized parts unconditionally, with the total
// thinking duration in metadata.
func (s *Session) finalWrite(ctx context.Context) {
	if !s.opts.Persist {
		return
	}

	s.mu.Lock()
	parts := s.asm.Parts()
	thinking := s.asm.ThinkingSeconds()
	s.lastWritten = chat.MarshalParts(parts)
	s.mu.Unlock()

	meta := map[string]string{chat.MetaThinkingSeconds: strconv.Itoa(thinking)}
	for k, v := range s.opts.Metadata {
		meta[k] = v
	}

	if err := s.st.UpdateStreamingContent(ctx, s.msgID, parts, meta); err != nil {
		s.log.Error("final write failed", "message", s.msgID, "error", err)
		return
	}
	metrics.WritesIssued.Inc()
}

func (s *Session) placeholderParts() []chat.Part {
	return []chat.Part{chat.TextPart("")}
}

func (s *Session) emitUpdate(parts []chat.Part) {
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(s.opts.ConversationID, s.msgID, parts)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
