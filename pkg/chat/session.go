package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is the state owned by one interactive user: tool toggles and history.
// At most one turn runs per session at a time.
type Session struct {
	ID           uuid.UUID
	CreatedAt    time.Time
	Tools        *ToolState
	Conversation *Conversation

	inFlight atomic.Bool

	mu    sync.RWMutex
	title string
}

func NewSession() *Session {
	return &Session{
		ID:           uuid.New(),
		title:        DefaultTitle,
		CreatedAt:    time.Now(),
		Tools:        NewToolState(DefaultToolSelection()),
		Conversation: NewConversation(),
	}
}

// RestoreSession rebuilds a session from persisted state.
func RestoreSession(id uuid.UUID, title string, sel ToolSelection, history []Turn) *Session {
	return &Session{
		ID:           id,
		title:        title,
		CreatedAt:    time.Now(),
		Tools:        NewToolState(sel),
		Conversation: NewConversation(history...),
	}
}

// beginTurn claims the session for one turn. The returned func releases it.
func (s *Session) beginTurn() (func(), bool) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { s.inFlight.Store(false) }, true
}

// Busy reports whether a turn is currently running.
func (s *Session) Busy() bool {
	return s.inFlight.Load()
}

func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
}
