package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultTitle = "New Conversation"

// Store persists session state. Failures are logged and never fail a turn.
type Store interface {
	SaveTurns(ctx context.Context, sessionID uuid.UUID, turns ...Turn) error
	ClearTurns(ctx context.Context, sessionID uuid.UUID) error
	SaveToolSelection(ctx context.Context, sessionID uuid.UUID, sel ToolSelection) error
	SetTitle(ctx context.Context, sessionID uuid.UUID, title string) error
}

// Titler names a conversation from its first exchange.
type Titler interface {
	GenerateTitle(ctx context.Context, question, answer string) (string, error)
}

type Service struct {
	Executor *Executor
	Store    Store
	Titler   Titler
	Logger   *slog.Logger

	wg sync.WaitGroup
}

func NewService(executor *Executor, store Store, titler Titler) *Service {
	return &Service{
		Executor: executor,
		Store:    store,
		Titler:   titler,
		Logger:   slog.Default(),
	}
}

// Ask runs one turn for the session. Validation errors leave the session
// untouched. Once the user turn is recorded, exactly one assistant turn
// follows it: the answer, or an error marker when the runtime call fails.
func (s *Service) Ask(ctx context.Context, sess *Session, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}

	sel := sess.Tools.Get()
	if err := sel.Validate(); err != nil {
		return Answer{}, err
	}

	release, ok := sess.beginTurn()
	if !ok {
		return Answer{}, ErrTurnInProgress
	}
	defer release()

	history := sess.Conversation.All()
	userTurn := Turn{Role: RoleUser, Content: question}
	sess.Conversation.Append(userTurn)

	logger := s.logger().With("session_id", sess.ID)
	logger.Info("Researching question", "question_len", len(question), "web_search", sel.WebSearchEnabled, "file_search", sel.FileSearchEnabled)

	answer, err := s.Executor.Execute(ctx, sel, history, question)
	if err != nil {
		marker := Turn{Role: RoleAssistant, Content: ErrorMarker(err)}
		sess.Conversation.Append(marker)
		s.persistTurns(ctx, sess.ID, userTurn, marker)
		return Answer{}, err
	}

	reply := Turn{Role: RoleAssistant, Content: answer.Text}
	sess.Conversation.Append(reply)
	s.persistTurns(ctx, sess.ID, userTurn, reply)

	if len(history) == 0 && s.Titler != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.generateTitle(sess, question, answer.Text)
		}()
	}

	return answer, nil
}

// Reset clears the session's conversation. Toggles are kept. It holds the
// turn guard, so no turn can start while the history is being cleared.
func (s *Service) Reset(ctx context.Context, sess *Session) error {
	release, ok := sess.beginTurn()
	if !ok {
		return ErrTurnInProgress
	}
	defer release()

	sess.Conversation.Clear()
	sess.SetTitle(DefaultTitle)
	if s.Store != nil {
		if err := s.Store.ClearTurns(ctx, sess.ID); err != nil {
			return err
		}
		if err := s.Store.SetTitle(ctx, sess.ID, DefaultTitle); err != nil {
			return err
		}
	}
	return nil
}

// SetTools updates the session's toggles. Takes effect on the next turn.
func (s *Service) SetTools(ctx context.Context, sess *Session, web, file *bool) ToolSelection {
	if web != nil {
		sess.Tools.SetWebSearch(*web)
	}
	if file != nil {
		sess.Tools.SetFileSearch(*file)
	}
	sel := sess.Tools.Get()
	if s.Store != nil {
		if err := s.Store.SaveToolSelection(ctx, sess.ID, sel); err != nil {
			s.logger().Error("Failed to save tool selection", "session_id", sess.ID, "error", err)
		}
	}
	return sel
}

// Wait blocks until background title generation has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) persistTurns(ctx context.Context, id uuid.UUID, turns ...Turn) {
	if s.Store == nil {
		return
	}
	if err := s.Store.SaveTurns(context.WithoutCancel(ctx), id, turns...); err != nil {
		s.logger().Error("Failed to save turns", "session_id", id, "error", err)
	}
}

func (s *Service) generateTitle(sess *Session, question, answer string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	title, err := s.Titler.GenerateTitle(ctx, question, answer)
	if err != nil {
		s.logger().Error("Failed to generate title", "session_id", sess.ID, "error", err)
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}

	sess.SetTitle(title)
	if s.Store != nil {
		if err := s.Store.SetTitle(ctx, sess.ID, title); err != nil {
			s.logger().Error("Failed to update conversation title", "session_id", sess.ID, "error", err)
		}
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
