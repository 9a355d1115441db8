package server

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mikeboe/research-assistant/pkg/chat"
)

// ConversationRepository is the persistent side of the registry.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, sess *chat.Session) (*chat.ConversationSummary, error)
	ListConversations(ctx context.Context) ([]chat.ConversationSummary, error)
	LoadSession(ctx context.Context, id uuid.UUID) (*chat.Session, error)
}

// SessionRegistry keeps one live Session per conversation so that the
// single-turn guard holds across requests. Sessions are loaded from the
// repository on first use. Without a repository sessions live in memory only.
type SessionRegistry struct {
	Repo ConversationRepository

	mu       sync.Mutex
	sessions map[uuid.UUID]*chat.Session
}

func NewSessionRegistry(repo ConversationRepository) *SessionRegistry {
	return &SessionRegistry{Repo: repo, sessions: make(map[uuid.UUID]*chat.Session)}
}

func (r *SessionRegistry) Create(ctx context.Context) (*chat.Session, error) {
	sess := chat.NewSession()
	if r.Repo != nil {
		if _, err := r.Repo.CreateConversation(ctx, sess); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	return sess, nil
}

func (r *SessionRegistry) Get(ctx context.Context, id uuid.UUID) (*chat.Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		return sess, nil
	}
	if r.Repo == nil {
		return nil, chat.ErrSessionNotFound
	}

	// Loaded without the lock; a concurrent load of the same id keeps the first one stored.
	loaded, err := r.Repo.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		return sess, nil
	}
	r.sessions[id] = loaded
	return loaded, nil
}

func (r *SessionRegistry) List(ctx context.Context) ([]chat.ConversationSummary, error) {
	if r.Repo != nil {
		return r.Repo.ListConversations(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.ConversationSummary, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sel := sess.Tools.Get()
		out = append(out, chat.ConversationSummary{
			ID:         sess.ID,
			Title:      sess.Title(),
			WebSearch:  sel.WebSearchEnabled,
			FileSearch: sel.FileSearchEnabled,
			CreatedAt:  sess.CreatedAt,
			UpdatedAt:  sess.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
