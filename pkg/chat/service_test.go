package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func newTestService(rt Runtime, store Store, titler Titler) *Service {
	svc := NewService(newTestExecutor(rt), store, titler)
	svc.Logger = discardLogger()
	return svc
}

func TestAskAppendsUserAndAssistantTurns(t *testing.T) {
	rt := newFakeRuntime(runtimeResult{Answer: Answer{Text: "Transformers rely on attention [1]."}})
	store := newFakeStore()
	svc := newTestService(rt, store, nil)
	sess := NewSession()

	answer, err := svc.Ask(context.Background(), sess, "  What are transformers?  ")
	require.NoError(t, err)
	assert.Equal(t, "Transformers rely on attention [1].", answer.Text)

	want := []Turn{
		{Role: RoleUser, Content: "What are transformers?"},
		{Role: RoleAssistant, Content: "Transformers rely on attention [1]."},
	}
	assert.Equal(t, want, sess.Conversation.All())
	assert.Equal(t, want, store.Turns(sess.ID))

	// The prompt carries only prior turns; the question goes in the trailer.
	assert.Equal(t, AssemblePrompt(nil, "What are transformers?"), rt.Calls()[0].Prompt)
}

func TestAskSecondTurnSeesHistory(t *testing.T) {
	rt := newFakeRuntime(runtimeResult{Answer: Answer{Text: "Hello"}}, runtimeResult{Answer: Answer{Text: "Sure"}})
	svc := newTestService(rt, nil, nil)
	sess := NewSession()

	_, err := svc.Ask(context.Background(), sess, "Hi")
	require.NoError(t, err)
	_, err = svc.Ask(context.Background(), sess, "More?")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rt.Calls()[1].Prompt, "Context of our conversation:\nuser: Hi\nassistant: Hello\n\nCurrent question: More?"))
	assert.Equal(t, 4, sess.Conversation.Len())
}

func TestAskBlocksWhenNoToolsSelected(t *testing.T) {
	rt := newFakeRuntime()
	svc := newTestService(rt, nil, nil)
	sess := NewSession()
	sess.Conversation.Append(Turn{Role: RoleUser, Content: "earlier"})
	sess.Tools.SetWebSearch(false)
	sess.Tools.SetFileSearch(false)

	_, err := svc.Ask(context.Background(), sess, "What is X?")
	require.ErrorIs(t, err, ErrNoToolsSelected)
	assert.True(t, IsValidationError(err))

	assert.Equal(t, 1, sess.Conversation.Len())
	assert.Empty(t, rt.Calls())
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	rt := newFakeRuntime()
	svc := newTestService(rt, nil, nil)
	sess := NewSession()

	_, err := svc.Ask(context.Background(), sess, "   \n")
	require.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Equal(t, 0, sess.Conversation.Len())
	assert.Empty(t, rt.Calls())
}

func TestAskTransientFailureRecordsErrorMarker(t *testing.T) {
	rt := newFakeRuntime(runtimeResult{Err: genai.APIError{Code: 503, Status: "UNAVAILABLE"}})
	store := newFakeStore()
	svc := newTestService(rt, store, nil)
	sess := NewSession()

	_, err := svc.Ask(context.Background(), sess, "What is X?")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	turns := sess.Conversation.All()
	require.Len(t, turns, 2)
	assert.Equal(t, Turn{Role: RoleUser, Content: "What is X?"}, turns[0])
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Contains(t, turns[1].Content, "⚠️")
	assert.Equal(t, turns, store.Turns(sess.ID))
}

func TestAskNeverLeavesTwoUserTurnsInARow(t *testing.T) {
	rt := newFakeRuntime(
		runtimeResult{Err: genai.APIError{Code: 401}},
		runtimeResult{Answer: Answer{Text: "answer"}},
	)
	svc := newTestService(rt, nil, nil)
	sess := NewSession()

	_, err := svc.Ask(context.Background(), sess, "first")
	require.Error(t, err)
	_, err = svc.Ask(context.Background(), sess, "second")
	require.NoError(t, err)

	turns := sess.Conversation.All()
	require.Len(t, turns, 4)
	for i := 1; i < len(turns); i++ {
		assert.NotEqual(t, turns[i-1].Role, turns[i].Role, "turns %d and %d share a role", i-1, i)
	}
}

func TestAskRejectsConcurrentTurn(t *testing.T) {
	rt := newFakeRuntime(runtimeResult{Answer: Answer{Text: "done"}})
	rt.block = make(chan struct{})
	svc := newTestService(rt, nil, nil)
	sess := NewSession()

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = svc.Ask(context.Background(), sess, "first")
	}()

	select {
	case <-rt.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached the runtime")
	}
	assert.True(t, sess.Busy())

	_, err := svc.Ask(context.Background(), sess, "second")
	require.ErrorIs(t, err, ErrTurnInProgress)
	assert.ErrorIs(t, svc.Reset(context.Background(), sess), ErrTurnInProgress)

	close(rt.block)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.False(t, sess.Busy())
	assert.Equal(t, 2, sess.Conversation.Len())
	assert.Len(t, rt.Calls(), 1)
}

func TestAskGeneratesTitleOnFirstExchange(t *testing.T) {
	rt := newFakeRuntime()
	store := newFakeStore()
	svc := newTestService(rt, store, fakeTitler{title: "Transformer Basics"})
	sess := NewSession()

	_, err := svc.Ask(context.Background(), sess, "What are transformers?")
	require.NoError(t, err)
	svc.Wait()

	assert.Equal(t, "Transformer Basics", sess.Title())
	assert.Equal(t, "Transformer Basics", store.Title(sess.ID))
}

func TestAskTitleFailureKeepsDefault(t *testing.T) {
	svc := newTestService(newFakeRuntime(), nil, fakeTitler{err: errors.New("quota")})
	sess := NewSession()

	_, err := svc.Ask(context.Background(), sess, "q")
	require.NoError(t, err)
	svc.Wait()

	assert.Equal(t, DefaultTitle, sess.Title())
}

func TestAskStoreFailureDoesNotFailTurn(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("database down")
	svc := newTestService(newFakeRuntime(runtimeResult{Answer: Answer{Text: "a"}}), store, nil)
	sess := NewSession()

	answer, err := svc.Ask(context.Background(), sess, "q")
	require.NoError(t, err)
	assert.Equal(t, "a", answer.Text)
	assert.Equal(t, 2, sess.Conversation.Len())
}

func TestResetClearsConversationKeepsTools(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(newFakeRuntime(), store, nil)
	sess := NewSession()
	sess.Tools.SetFileSearch(false)

	_, err := svc.Ask(context.Background(), sess, "q")
	require.NoError(t, err)

	require.NoError(t, svc.Reset(context.Background(), sess))
	assert.Empty(t, sess.Conversation.All())
	assert.Empty(t, store.Turns(sess.ID))
	assert.Equal(t, ToolSelection{WebSearchEnabled: true}, sess.Tools.Get())
}

func TestAskWaitsOutReset(t *testing.T) {
	store := newFakeStore()
	store.holdClear = make(chan struct{})
	svc := newTestService(newFakeRuntime(runtimeResult{Answer: Answer{Text: "a"}}), store, nil)
	sess := NewSession()

	resetErr := make(chan error, 1)
	go func() { resetErr <- svc.Reset(context.Background(), sess) }()

	select {
	case <-store.clearing:
	case <-time.After(2 * time.Second):
		t.Fatal("reset never reached the store")
	}

	_, err := svc.Ask(context.Background(), sess, "q")
	require.ErrorIs(t, err, ErrTurnInProgress)
	assert.Zero(t, sess.Conversation.Len())

	close(store.holdClear)
	require.NoError(t, <-resetErr)
	assert.False(t, sess.Busy())

	_, err = svc.Ask(context.Background(), sess, "q")
	require.NoError(t, err)
	turns := sess.Conversation.All()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
}

func TestSetToolsPersistsSelection(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(newFakeRuntime(), store, nil)
	sess := NewSession()

	off := false
	sel := svc.SetTools(context.Background(), sess, &off, nil)

	assert.Equal(t, ToolSelection{FileSearchEnabled: true}, sel)
	assert.Equal(t, sel, store.sel[sess.ID])
}
