package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mikeboe/research-assistant/pkg/database"
)

type ConversationSummary struct {
	ID         uuid.UUID `json:"id"`
	Title      string    `json:"title"`
	WebSearch  bool      `json:"web_search"`
	FileSearch bool      `json:"file_search"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Repository stores conversations and their messages in Postgres.
type Repository struct {
	DB *database.PostgresDB
}

func NewRepository(db *database.PostgresDB) *Repository {
	return &Repository{DB: db}
}

func (r *Repository) CreateConversation(ctx context.Context, sess *Session) (*ConversationSummary, error) {
	sel := sess.Tools.Get()
	query := `INSERT INTO conversations (id, title, web_search, file_search) VALUES ($1, $2, $3, $4)
		RETURNING id, title, web_search, file_search, created_at, updated_at`

	conv := &ConversationSummary{}
	err := r.DB.Pool.QueryRow(ctx, query, sess.ID, sess.Title(), sel.WebSearchEnabled, sel.FileSearchEnabled).
		Scan(&conv.ID, &conv.Title, &conv.WebSearch, &conv.FileSearch, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (r *Repository) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	query := `SELECT id, title, web_search, file_search, created_at, updated_at FROM conversations ORDER BY updated_at DESC`
	rows, err := r.DB.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	convs := []ConversationSummary{}
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(&c.ID, &c.Title, &c.WebSearch, &c.FileSearch, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (r *Repository) GetConversation(ctx context.Context, id uuid.UUID) (*ConversationSummary, error) {
	query := `SELECT id, title, web_search, file_search, created_at, updated_at FROM conversations WHERE id = $1`

	conv := &ConversationSummary{}
	err := r.DB.Pool.QueryRow(ctx, query, id).
		Scan(&conv.ID, &conv.Title, &conv.WebSearch, &conv.FileSearch, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (r *Repository) GetHistory(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = $1 ORDER BY id ASC`
	rows, err := r.DB.Pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LoadSession rebuilds a session with its toggles and history.
func (r *Repository) LoadSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	conv, err := r.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := r.GetHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	return RestoreSession(conv.ID, conv.Title,
		ToolSelection{WebSearchEnabled: conv.WebSearch, FileSearchEnabled: conv.FileSearch},
		MessagesToTurns(msgs)), nil
}

func (r *Repository) SaveTurns(ctx context.Context, sessionID uuid.UUID, turns ...Turn) error {
	tx, err := r.DB.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, turn := range turns {
		if _, err := tx.Exec(ctx, `INSERT INTO messages (conversation_id, role, content) VALUES ($1, $2, $3)`,
			sessionID, turn.Role, turn.Content); err != nil {
			return fmt.Errorf("failed to save %s message: %w", turn.Role, err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Repository) ClearTurns(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := r.DB.Pool.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

func (r *Repository) SaveToolSelection(ctx context.Context, sessionID uuid.UUID, sel ToolSelection) error {
	_, err := r.DB.Pool.Exec(ctx, `UPDATE conversations SET web_search = $1, file_search = $2, updated_at = NOW() WHERE id = $3`,
		sel.WebSearchEnabled, sel.FileSearchEnabled, sessionID)
	if err != nil {
		return fmt.Errorf("failed to save tool selection: %w", err)
	}
	return nil
}

func (r *Repository) SetTitle(ctx context.Context, sessionID uuid.UUID, title string) error {
	if _, err := r.DB.Pool.Exec(ctx, `UPDATE conversations SET title = $1 WHERE id = $2`, title, sessionID); err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return nil
}

func MessagesToTurns(msgs []Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
