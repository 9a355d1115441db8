package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mikeboe/research-assistant/pkg/chat"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type FileSearchInput struct {
	Query  string `json:"query" jsonschema:"the search query"`
	Source string `json:"source,omitempty" jsonschema:"optional source URL or file path to restrict the search to"`
	Kind   string `json:"kind,omitempty" jsonschema:"optional document kind to restrict the search to: file, url or arxiv"`
}

type AskInput struct {
	Question   string `json:"question" jsonschema:"the research question"`
	SessionID  string `json:"session_id,omitempty" jsonschema:"conversation to continue; a one-off session is used when empty"`
	WebSearch  *bool  `json:"web_search,omitempty" jsonschema:"enable web search for this and later turns"`
	FileSearch *bool  `json:"file_search,omitempty" jsonschema:"enable private document search for this and later turns"`
}

// NewMCPServer exposes the document index and the research assistant as MCP tools.
func (h *Handler) NewMCPServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "research-assistant", Version: "1.0.0"}, nil)

	if h.Searcher != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        chat.FileSearchToolName,
			Description: "Search the private document index using semantic search.",
		}, h.mcpFileSearch)
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask",
		Description: "Ask the research assistant a question. Answers cite their sources.",
	}, h.mcpAsk)

	return server
}

func (h *Handler) mcpHandler() http.Handler {
	server := h.NewMCPServer()
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}

func (h *Handler) mcpFileSearch(ctx context.Context, _ *mcp.CallToolRequest, in FileSearchInput) (*mcp.CallToolResult, any, error) {
	results, err := h.Searcher.Search(ctx, h.SearchParams, chat.FileSearchArgs{Query: in.Query, Source: in.Source, Kind: in.Kind})
	if err != nil {
		return nil, nil, err
	}
	return textResult(chat.FormatResults(results)), nil, nil
}

func (h *Handler) mcpAsk(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, any, error) {
	// One-off sessions are not persisted.
	svc := chat.NewService(h.Chat.Executor, nil, nil)
	svc.Logger = h.logger()
	sess := chat.NewSession()

	if in.SessionID != "" {
		id, err := uuid.Parse(in.SessionID)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid session_id: %w", err)
		}
		if sess, err = h.Sessions.Get(ctx, id); err != nil {
			return nil, nil, err
		}
		svc = h.Chat
	}
	if in.WebSearch != nil || in.FileSearch != nil {
		svc.SetTools(ctx, sess, in.WebSearch, in.FileSearch)
	}

	answer, err := svc.Ask(ctx, sess, in.Question)
	if err != nil {
		return nil, nil, err
	}
	return textResult(formatAnswer(answer)), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// formatAnswer appends grounding sources the answer text does not already link.
func formatAnswer(answer chat.Answer) string {
	var extra []string
	for _, src := range answer.Sources {
		if !strings.Contains(answer.Text, src.URI) {
			extra = append(extra, fmt.Sprintf("- [%s](%s)", src.Title, src.URI))
		}
	}
	if len(extra) == 0 {
		return answer.Text
	}
	return answer.Text + "\n\nSources:\n" + strings.Join(extra, "\n")
}
