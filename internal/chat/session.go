package chat

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/atlasfeed/internal/logging"
	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/zap"
)

// Streamer abstracts the streamed chat call for testability.
type Streamer interface {
	Chat(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error)
}

// Update is published for every intermediate assistant message.
type Update struct {
	SessionID string
	Scope     string
	TurnID    string // stable for one request/answer pair
	Message   models.ChatMessage
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Streamer Streamer
	Logger   *zap.Logger
	OnUpdate func(Update) // called outside locks, possibly from stream goroutines
}

// Manager keeps at most one open session per scope. A scope is a draft ID
// for discussions or MainScope for the input bar.
type Manager struct {
	streamer Streamer
	logger   *zap.Logger
	onUpdate func(Update)

	mu       sync.Mutex
	sessions map[string]*Session
}

// MainScope is the scope of the feed's main input bar.
const MainScope = "main"

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Streamer == nil {
		return nil, fmt.Errorf("chat: streamer is required")
	}
	return &Manager{
		streamer: opts.Streamer,
		logger:   logging.OrNop(opts.Logger),
		onUpdate: opts.OnUpdate,
		sessions: make(map[string]*Session),
	}, nil
}

// Open starts a new session for scope, closing any session already open
// there. reqContext is sent with every request of the session.
func (m *Manager) Open(scope string, reqContext map[string]any) *Session {
	s := &Session{
		id:       uuid.NewString(),
		scope:    scope,
		context:  reqContext,
		streamer: m.streamer,
		logger:   m.logger.With(zap.String("scope", scope)),
		onUpdate: m.onUpdate,
		active:   -1,
	}

	m.mu.Lock()
	prev := m.sessions[scope]
	m.sessions[scope] = s
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return s
}

// Session returns the open session for scope.
func (m *Manager) Session(scope string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[scope]
	return s, ok
}

// Close closes the session for scope, if any.
func (m *Manager) Close(scope string) {
	m.mu.Lock()
	s := m.sessions[scope]
	delete(m.sessions, scope)
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// CloseAll closes every session and waits for their streams to stop.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Session is one conversation. Each Send supersedes the previous in-flight
// answer: its stream is cancelled and late chunks are dropped.
type Session struct {
	id       string
	scope    string
	context  map[string]any
	streamer Streamer
	logger   *zap.Logger
	onUpdate func(Update)

	mu       sync.Mutex
	messages []models.ChatMessage
	gen      uint64
	active   int // index of the streaming assistant message, -1 if none
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Scope returns the scope the session was opened for.
func (s *Session) Scope() string { return s.scope }

// Messages returns a copy of the conversation so far.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Streaming reports whether an answer is still arriving.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active >= 0
}

// Send posts text and starts streaming the answer in the background. It
// returns once the backend accepted the request; done is closed when the
// answer is complete, superseded, or the session is closed.
func (s *Session) Send(ctx context.Context, text string) (turnID string, done <-chan struct{}, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", nil, fmt.Errorf("chat: send: session %s is closed", s.id)
	}
	s.supersedeLocked()

	history := s.historyLocked()
	s.gen++
	gen := s.gen
	turnID = uuid.NewString()
	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.messages = append(s.messages,
		models.ChatMessage{SessionID: s.id, Role: models.RoleAdvisor, Content: text},
		models.ChatMessage{SessionID: s.id, Role: models.RoleAssistant, Streaming: true},
	)
	idx := len(s.messages) - 1
	s.active = idx
	s.wg.Add(1)
	s.mu.Unlock()

	finished := make(chan struct{})
	body, err := s.streamer.Chat(streamCtx, models.ChatRequest{
		Message: text,
		History: history,
		Context: s.context,
	})
	if err != nil {
		s.finish(gen, idx, models.ChatMessage{SessionID: s.id, Role: models.RoleAssistant})
		cancel()
		s.wg.Done()
		close(finished)
		return turnID, finished, fmt.Errorf("chat: send: %w", err)
	}

	go func() {
		defer s.wg.Done()
		defer close(finished)
		defer cancel()
		defer body.Close()
		for msg := range Stream(streamCtx, body, StreamOpts{SessionID: s.id, Logger: s.logger}) {
			if !s.deliver(gen, idx, turnID, msg) {
				s.logger.Debug("dropping superseded chat stream", zap.String("turn", turnID))
				return
			}
		}
	}()
	return turnID, finished, nil
}

// Close cancels any in-flight answer and waits for its stream to stop.
// Further sends fail.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.supersedeLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

// deliver stores msg if gen is still current and publishes it. It reports
// false once the stream has been superseded.
func (s *Session) deliver(gen uint64, idx int, turnID string, msg models.ChatMessage) bool {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return false
	}
	s.messages[idx] = msg
	if !msg.Streaming {
		s.active = -1
	}
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(Update{SessionID: s.id, Scope: s.scope, TurnID: turnID, Message: msg})
	}
	return true
}

// finish marks the placeholder for a failed request as complete.
func (s *Session) finish(gen uint64, idx int, msg models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	msg.Streaming = false
	s.messages[idx] = msg
	s.active = -1
}

// supersedeLocked invalidates the current stream generation.
func (s *Session) supersedeLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.active >= 0 {
		s.messages[s.active].Streaming = false
		s.active = -1
	}
}

// historyLocked returns the completed turns sent with the next request.
func (s *Session) historyLocked() []models.HistoryTurn {
	history := make([]models.HistoryTurn, 0, len(s.messages))
	for _, m := range s.messages {
		role := "assistant"
		if m.Role == models.RoleAdvisor {
			role = "user"
		}
		if m.Content == "" {
			continue
		}
		history = append(history, models.HistoryTurn{Role: role, Content: m.Content})
	}
	return history
}
