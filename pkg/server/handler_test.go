package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mikeboe/research-assistant/pkg/chat"
	"github.com/mikeboe/research-assistant/pkg/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type stubRuntime struct {
	mu      sync.Mutex
	answer  chat.Answer
	err     error
	calls   int
	block   chan struct{}
	started chan struct{}
}

func (s *stubRuntime) Run(ctx context.Context, _ chat.AgentConfig, _ string) (chat.Answer, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.block != nil {
		s.started <- struct{}{}
		select {
		case <-s.block:
		case <-ctx.Done():
			return chat.Answer{}, ctx.Err()
		}
	}
	return s.answer, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, rt chat.Runtime) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ex := chat.NewExecutor(rt, chat.NewBuilder(3, "research_docs"))
	ex.RetryBackoff = 0
	ex.MaxRetries = 0
	ex.Logger = quietLogger()

	svc := chat.NewService(ex, nil, nil)
	svc.Logger = quietLogger()

	h := NewHandler(svc, NewSessionRegistry(nil))
	h.Logger = quietLogger()

	r := gin.New()
	h.RegisterRoutes(r)
	return r, h
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, r http.Handler) sessionView {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var view sessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return view
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t, &stubRuntime{})
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateSessionDefaults(t *testing.T) {
	r, _ := newTestRouter(t, &stubRuntime{})
	view := createSession(t, r)

	assert.NotEqual(t, uuid.Nil, view.ID)
	assert.Equal(t, chat.DefaultTitle, view.Title)
	assert.Equal(t, chat.DefaultToolSelection(), view.Tools)
	assert.Empty(t, view.Messages)

	w := doJSON(t, r, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []chat.ConversationSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, view.ID, list[0].ID)
}

func TestSendMessageRendersAnswer(t *testing.T) {
	rt := &stubRuntime{answer: chat.Answer{
		Text:    "Transformers use **attention** [1].",
		Sources: []chat.Source{{Title: "arXiv", URI: "https://arxiv.org/abs/1706.03762"}},
	}}
	r, _ := newTestRouter(t, rt)
	view := createSession(t, r)

	w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/sessions/%s/messages", view.ID), sendMessageRequest{Content: "What are transformers?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp sendMessageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, chat.RoleAssistant, resp.Message.Role)
	assert.Contains(t, resp.Message.ContentHTML, "<strong>attention</strong>")
	assert.Equal(t, rt.answer.Sources, resp.Sources)

	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/sessions/%s", view.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "What are transformers?", view.Messages[0].Content)
	assert.Empty(t, view.Messages[0].ContentHTML)
}

func TestSendMessageWithNoToolsIsRejected(t *testing.T) {
	rt := &stubRuntime{}
	r, _ := newTestRouter(t, rt)
	view := createSession(t, r)

	off := false
	w := doJSON(t, r, http.MethodPut, fmt.Sprintf("/api/sessions/%s/tools", view.ID), setToolsRequest{WebSearch: &off, FileSearch: &off})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tools":{"web_search":false,"file_search":false},"warning":"Please select at least one search source"}`, w.Body.String())

	w = doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/sessions/%s/messages", view.ID), sendMessageRequest{Content: "What is X?"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Please select at least one search source")
	assert.Zero(t, rt.calls)
}

func TestSendMessageRuntimeFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"fatal", genai.APIError{Code: 401, Status: "UNAUTHENTICATED"}, http.StatusBadGateway},
		{"transient", genai.APIError{Code: 503, Status: "UNAVAILABLE"}, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(t, &stubRuntime{err: tt.err})
			view := createSession(t, r)

			w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/sessions/%s/messages", view.ID), sendMessageRequest{Content: "q"})
			require.Equal(t, tt.status, w.Code, w.Body.String())

			var body struct {
				Error   string      `json:"error"`
				Message messageView `json:"message"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, chat.RoleAssistant, body.Message.Role)
			assert.Contains(t, body.Message.Content, "⚠️")
		})
	}
}

func TestSendMessageWhileTurnInProgress(t *testing.T) {
	rt := &stubRuntime{
		answer:  chat.Answer{Text: "done"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	r, _ := newTestRouter(t, rt)
	view := createSession(t, r)
	path := fmt.Sprintf("/api/sessions/%s/messages", view.ID)

	done := make(chan int, 1)
	go func() {
		done <- doJSON(t, r, http.MethodPost, path, sendMessageRequest{Content: "first"}).Code
	}()

	select {
	case <-rt.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached the runtime")
	}

	w := doJSON(t, r, http.MethodPost, path, sendMessageRequest{Content: "second"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = doJSON(t, r, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(rt.block)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestResetSession(t *testing.T) {
	r, h := newTestRouter(t, &stubRuntime{answer: chat.Answer{Text: "a"}})
	view := createSession(t, r)
	path := fmt.Sprintf("/api/sessions/%s/messages", view.ID)

	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, path, sendMessageRequest{Content: "q"}).Code)
	require.Equal(t, http.StatusNoContent, doJSON(t, r, http.MethodDelete, path, nil).Code)

	sess, err := h.Sessions.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Zero(t, sess.Conversation.Len())
}

func TestUnknownAndInvalidSessions(t *testing.T) {
	r, _ := newTestRouter(t, &stubRuntime{})

	w := doJSON(t, r, http.MethodGet, "/api/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/sessions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(chat.ErrEmptyQuestion))
	assert.Equal(t, http.StatusConflict, statusFor(chat.ErrTurnInProgress))
	assert.Equal(t, http.StatusNotFound, statusFor(ErrJobNotFound))
	assert.Equal(t, http.StatusBadGateway, statusFor(&chat.ExternalCallError{Kind: chat.FailureFatal, Err: errors.New("bad key")}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("db down")))
}

type stubDocuments struct{}

func (stubDocuments) GetContentBySource(_ context.Context, source string) ([]vectorstore.Document, error) {
	return []vectorstore.Document{{ID: "1", Content: "chunk", Metadata: map[string]interface{}{"source": source}}}, nil
}

func (stubDocuments) DeleteBySource(_ context.Context, source string) (int64, error) {
	if source == "notes.md" {
		return 3, nil
	}
	return 0, nil
}

func (stubDocuments) Count(context.Context) (int64, error) {
	return 42, nil
}

func TestDocumentRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(chat.NewService(chat.NewExecutor(&stubRuntime{}, chat.NewBuilder(3, "docs")), nil, nil), NewSessionRegistry(nil))
	h.Documents = stubDocuments{}
	r := gin.New()
	h.RegisterRoutes(r)

	w := doJSON(t, r, http.MethodGet, "/api/documents/count", nil)
	assert.JSONEq(t, `{"chunks":42}`, w.Body.String())

	w = doJSON(t, r, http.MethodGet, "/api/documents?source=notes.md", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"source":"notes.md"`)

	w = doJSON(t, r, http.MethodGet, "/api/documents", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/api/documents?source=notes.md", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"source":"notes.md","deleted":3}`, w.Body.String())

	w = doJSON(t, r, http.MethodDelete, "/api/documents", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
