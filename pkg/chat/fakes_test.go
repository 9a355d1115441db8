package chat

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type runtimeCall struct {
	Config AgentConfig
	Prompt string
}

type runtimeResult struct {
	Answer Answer
	Err    error
}

// fakeRuntime replays scripted results; the last one repeats.
type fakeRuntime struct {
	mu      sync.Mutex
	calls   []runtimeCall
	results []runtimeResult

	// block, when set, holds every call until closed or the context ends.
	block   chan struct{}
	started chan struct{}
}

func newFakeRuntime(results ...runtimeResult) *fakeRuntime {
	return &fakeRuntime{results: results, started: make(chan struct{}, 16)}
}

func (f *fakeRuntime) Run(ctx context.Context, cfg AgentConfig, prompt string) (Answer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runtimeCall{Config: cfg, Prompt: prompt})
	n := len(f.calls)
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Answer{}, ctx.Err()
		}
	}

	if len(f.results) == 0 {
		return Answer{Text: "ok"}, nil
	}
	idx := n - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx].Answer, f.results[idx].Err
}

func (f *fakeRuntime) Calls() []runtimeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtimeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeStore struct {
	mu     sync.Mutex
	turns  map[uuid.UUID][]Turn
	sel    map[uuid.UUID]ToolSelection
	titles map[uuid.UUID]string
	err    error

	// clearing receives when ClearTurns starts; holdClear, when set, keeps it waiting.
	clearing  chan struct{}
	holdClear chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		turns:    make(map[uuid.UUID][]Turn),
		sel:      make(map[uuid.UUID]ToolSelection),
		titles:   make(map[uuid.UUID]string),
		clearing: make(chan struct{}, 1),
	}
}

func (s *fakeStore) SaveTurns(_ context.Context, id uuid.UUID, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.turns[id] = append(s.turns[id], turns...)
	return nil
}

func (s *fakeStore) ClearTurns(_ context.Context, id uuid.UUID) error {
	select {
	case s.clearing <- struct{}{}:
	default:
	}
	if s.holdClear != nil {
		<-s.holdClear
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, id)
	return s.err
}

func (s *fakeStore) SaveToolSelection(_ context.Context, id uuid.UUID, sel ToolSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sel[id] = sel
	return s.err
}

func (s *fakeStore) SetTitle(_ context.Context, id uuid.UUID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[id] = title
	return s.err
}

func (s *fakeStore) Turns(id uuid.UUID) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns[id]...)
}

func (s *fakeStore) Title(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titles[id]
}

type fakeTitler struct {
	title string
	err   error
}

func (f fakeTitler) GenerateTitle(context.Context, string, string) (string, error) {
	return f.title, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(rt Runtime) *Executor {
	ex := NewExecutor(rt, NewBuilder(3, "research_docs"))
	ex.RetryBackoff = 0
	ex.Logger = discardLogger()
	return ex
}
