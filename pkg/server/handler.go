package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mikeboe/research-assistant/pkg/chat"
	"github.com/mikeboe/research-assistant/pkg/vectorstore"
)

// DocumentIndex is the part of the document index the API exposes.
type DocumentIndex interface {
	GetContentBySource(ctx context.Context, source string) ([]vectorstore.Document, error)
	DeleteBySource(ctx context.Context, source string) (int64, error)
	Count(ctx context.Context) (int64, error)
}

type Handler struct {
	Chat     *chat.Service
	Sessions *SessionRegistry

	// Optional. Routes backed by a nil dependency are not registered.
	Jobs         *JobService
	Searcher     *chat.FileSearcher
	SearchParams chat.FileSearchParams
	Documents    DocumentIndex

	Logger *slog.Logger
}

func NewHandler(c *chat.Service, sessions *SessionRegistry) *Handler {
	return &Handler{Chat: c, Sessions: sessions, Logger: slog.Default()}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.healthz)
	r.Any("/mcp", gin.WrapH(h.mcpHandler()))

	api := r.Group("/api")
	{
		api.POST("/sessions", h.createSession)
		api.GET("/sessions", h.listSessions)
		api.GET("/sessions/:id", h.getSession)
		api.PUT("/sessions/:id/tools", h.setTools)
		api.POST("/sessions/:id/messages", h.sendMessage)
		api.DELETE("/sessions/:id/messages", h.resetSession)

		if h.Jobs != nil {
			api.POST("/index", h.createJob)
			api.GET("/index", h.listJobs)
			api.GET("/index/:id", h.getJob)
			api.GET("/index/:id/logs", h.getJobLogs)
		}
		if h.Documents != nil {
			api.GET("/documents", h.getDocuments)
			api.GET("/documents/count", h.countDocuments)
			api.DELETE("/documents", h.deleteDocuments)
		}
	}
}

type messageView struct {
	Role        chat.Role `json:"role"`
	Content     string    `json:"content"`
	ContentHTML string    `json:"content_html"`
}

type sessionView struct {
	ID       uuid.UUID          `json:"id"`
	Title    string             `json:"title"`
	Tools    chat.ToolSelection `json:"tools"`
	Busy     bool               `json:"busy"`
	Messages []messageView      `json:"messages"`
}

type setToolsRequest struct {
	WebSearch  *bool `json:"web_search"`
	FileSearch *bool `json:"file_search"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type sendMessageResponse struct {
	Message messageView   `json:"message"`
	Sources []chat.Source `json:"sources"`
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) createSession(c *gin.Context) {
	sess, err := h.Sessions.Create(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.viewSession(sess))
}

func (h *Handler) listSessions(c *gin.Context) {
	convs, err := h.Sessions.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if convs == nil {
		convs = []chat.ConversationSummary{}
	}
	c.JSON(http.StatusOK, convs)
}

func (h *Handler) getSession(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.viewSession(sess))
}

func (h *Handler) setTools(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req setToolsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sel := h.Chat.SetTools(c.Request.Context(), sess, req.WebSearch, req.FileSearch)
	resp := gin.H{"tools": sel}
	if err := sel.Validate(); err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) sendMessage(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	answer, err := h.Chat.Ask(c.Request.Context(), sess, req.Content)
	if err != nil {
		body := gin.H{"error": err.Error()}
		var ece *chat.ExternalCallError
		if errors.As(err, &ece) {
			if last, ok := sess.Conversation.Last(); ok {
				body["message"] = h.viewMessage(last)
			}
		}
		c.JSON(statusFor(err), body)
		return
	}

	sources := answer.Sources
	if sources == nil {
		sources = []chat.Source{}
	}
	c.JSON(http.StatusOK, sendMessageResponse{
		Message: h.viewMessage(chat.Turn{Role: chat.RoleAssistant, Content: answer.Text}),
		Sources: sources,
	})
}

func (h *Handler) resetSession(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	if err := h.Chat.Reset(c.Request.Context(), sess); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.Jobs.CreateJob(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.Jobs.ListJobs(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) getJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	job, err := h.Jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) getJobLogs(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	logs, err := h.Jobs.GetJobLogs(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) getDocuments(c *gin.Context) {
	source := c.Query("source")
	if source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source query parameter is required"})
		return
	}
	docs, err := h.Documents.GetContentBySource(c.Request.Context(), source)
	if err != nil {
		h.fail(c, err)
		return
	}
	if docs == nil {
		docs = []vectorstore.Document{}
	}
	c.JSON(http.StatusOK, docs)
}

func (h *Handler) deleteDocuments(c *gin.Context) {
	source := c.Query("source")
	if source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source query parameter is required"})
		return
	}
	n, err := h.Documents.DeleteBySource(c.Request.Context(), source)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger().Info("Removed source from index", "source", source, "chunks", n)
	c.JSON(http.StatusOK, gin.H{"source": source, "deleted": n})
}

func (h *Handler) countDocuments(c *gin.Context) {
	n, err := h.Documents.Count(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": n})
}

func (h *Handler) session(c *gin.Context) (*chat.Session, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	sess, err := h.Sessions.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return sess, true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error("Request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var ece *chat.ExternalCallError
	switch {
	case chat.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.As(err, &ece):
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return http.StatusGatewayTimeout
		case ece.Kind == chat.FailureTransient:
			return http.StatusServiceUnavailable
		default:
			return http.StatusBadGateway
		}
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) viewSession(sess *chat.Session) sessionView {
	turns := sess.Conversation.All()
	messages := make([]messageView, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, h.viewMessage(t))
	}
	return sessionView{
		ID:       sess.ID,
		Title:    sess.Title(),
		Tools:    sess.Tools.Get(),
		Busy:     sess.Busy(),
		Messages: messages,
	}
}

func (h *Handler) viewMessage(t chat.Turn) messageView {
	view := messageView{Role: t.Role, Content: t.Content}
	if t.Role == chat.RoleAssistant {
		html, err := RenderMarkdown(t.Content)
		if err != nil {
			h.logger().Warn("Failed to render markdown", "error", err)
		}
		view.ContentHTML = html
	}
	return view
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
