package chat

import (
	"context"
	"log/slog"
	"time"
)

// Source is a citation returned alongside an answer.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Answer is the final output of one agent run.
type Answer struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// Runtime is the external agent runtime. It is stateless across calls.
type Runtime interface {
	Run(ctx context.Context, cfg AgentConfig, prompt string) (Answer, error)
}

// Executor turns one user question into one agent runtime call.
type Executor struct {
	Runtime Runtime
	Builder Builder

	// Timeout bounds each attempt. Zero disables it.
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	HistoryMaxTurns int

	Logger *slog.Logger
}

func NewExecutor(rt Runtime, builder Builder) *Executor {
	return &Executor{
		Runtime:      rt,
		Builder:      builder,
		Timeout:      2 * time.Minute,
		MaxRetries:   2,
		RetryBackoff: time.Second,
		Logger:       slog.Default(),
	}
}

// Execute builds the agent, assembles the prompt and runs it. Transient
// failures are retried with exponential backoff; fatal ones return at once.
// Every failure is returned as *ExternalCallError.
func (e *Executor) Execute(ctx context.Context, sel ToolSelection, history []Turn, question string) (Answer, error) {
	cfg := e.Builder.Build(sel)
	prompt := AssemblePrompt(WindowHistory(history, e.HistoryMaxTurns), question)

	logger := e.logger()
	attempts := e.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := e.RetryBackoff * time.Duration(1<<(i-1))
			logger.Warn("Retrying agent run", "attempt", i+1, "delay", delay, "last_error", lastErr)
			if err := sleepContext(ctx, delay); err != nil {
				return Answer{}, &ExternalCallError{Kind: Classify(err), Attempts: i, Err: err}
			}
		}

		logger.Info("Starting agent run", "attempt", i+1, "tools", len(cfg.Tools), "history_turns", len(history))
		answer, err := e.runOnce(ctx, cfg, prompt)
		if err == nil {
			logger.Info("Agent run completed", "answer_len", len(answer.Text), "sources", len(answer.Sources))
			return answer, nil
		}

		lastErr = err
		kind := Classify(err)
		logger.Error("Agent run failed", "attempt", i+1, "kind", kind, "error", err)
		if kind == FailureFatal {
			return Answer{}, &ExternalCallError{Kind: kind, Attempts: i + 1, Err: err}
		}
		if ctx.Err() != nil {
			return Answer{}, &ExternalCallError{Kind: Classify(ctx.Err()), Attempts: i + 1, Err: err}
		}
	}

	return Answer{}, &ExternalCallError{Kind: FailureTransient, Attempts: attempts, Err: lastErr}
}

type runResult struct {
	answer Answer
	err    error
}

// runOnce is the single await point of a turn.
func (e *Executor) runOnce(ctx context.Context, cfg AgentConfig, prompt string) (Answer, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	done := make(chan runResult, 1)
	go func() {
		answer, err := e.Runtime.Run(ctx, cfg, prompt)
		done <- runResult{answer: answer, err: err}
	}()

	select {
	case res := <-done:
		return res.answer, res.err
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
