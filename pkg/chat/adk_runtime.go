package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/agenttool"
	"google.golang.org/adk/tool/geminitool"
	"google.golang.org/genai"
)

const (
	appName = "research-assistant"
	userID  = "user"

	webSearchAgentName = "web_search"
)

var errNoFinalResponse = errors.New("agent returned no final response")

// ADKRuntime runs an AgentConfig on the Agent Development Kit. Each call uses
// a fresh in-memory session; conversational memory travels in the prompt.
type ADKRuntime struct {
	Model    model.LLM
	Searcher *FileSearcher
	Logger   *slog.Logger

	webSearch agent.Agent
}

func NewADKRuntime(llm model.LLM, searcher *FileSearcher) (*ADKRuntime, error) {
	webSearch, err := llmagent.New(llmagent.Config{
		Name:        webSearchAgentName,
		Model:       llm,
		Description: "Searches the live web and returns findings with their source URLs.",
		Instruction: "Search the web for the request. Answer with the relevant facts and list the title and URL of every source you used.",
		Tools:       []tool.Tool{geminitool.GoogleSearch{}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create web search agent: %w", err)
	}

	return &ADKRuntime{
		Model:     llm,
		Searcher:  searcher,
		Logger:    slog.Default(),
		webSearch: webSearch,
	}, nil
}

// Run builds the agent from cfg and executes it once with prompt.
func (r *ADKRuntime) Run(ctx context.Context, cfg AgentConfig, prompt string) (Answer, error) {
	llmCfg, err := r.agentConfig(cfg)
	if err != nil {
		return Answer{}, err
	}

	researchAgent, err := llmagent.New(llmCfg)
	if err != nil {
		return Answer{}, fmt.Errorf("failed to create agent: %w", err)
	}

	sessionSvc := session.InMemoryService()
	sessionID := uuid.NewString()
	if _, err := sessionSvc.Create(ctx, &session.CreateRequest{
		AppName:   appName,
		UserID:    userID,
		SessionID: sessionID,
	}); err != nil {
		return Answer{}, fmt.Errorf("failed to create session: %w", err)
	}

	rn, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          researchAgent,
		SessionService: sessionSvc,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("failed to create runner: %w", err)
	}

	userContent := genai.NewContentFromText(prompt, genai.RoleUser)

	var final string
	var sources []Source
	seen := make(map[string]bool)

	for event, err := range rn.Run(ctx, userID, sessionID, userContent, agent.RunConfig{}) {
		if err != nil {
			return Answer{}, err
		}
		if event == nil {
			continue
		}

		sources = appendGroundingSources(sources, seen, event.LLMResponse.GroundingMetadata)

		if event.LLMResponse.Partial || event.LLMResponse.Content == nil {
			continue
		}
		for _, part := range event.LLMResponse.Content.Parts {
			if part.FunctionCall != nil {
				r.logger().Info("Agent tool call", "tool", part.FunctionCall.Name)
			}
			if part.FunctionResponse != nil {
				r.logger().Info("Agent tool result", "tool", part.FunctionResponse.Name)
			}
		}
		if text := eventText(event.LLMResponse.Content); text != "" {
			final = text
		}
	}

	if strings.TrimSpace(final) == "" {
		return Answer{}, errNoFinalResponse
	}
	return Answer{Text: final, Sources: sources}, nil
}

// agentConfig translates descriptors to ADK tools, preserving their order.
// Gemini rejects built-in search next to function tools, so web search is
// attached directly only when it is the sole tool and wrapped as an agent tool otherwise.
func (r *ADKRuntime) agentConfig(cfg AgentConfig) (llmagent.Config, error) {
	out := llmagent.Config{
		Name:        agentIdentifier(cfg.Name),
		Model:       r.Model,
		Description: "A research assistant with web search and private document search.",
		Instruction: cfg.Instructions,
	}

	soleWebSearch := len(cfg.Tools) == 1 && cfg.Tools[0].Kind == ToolWebSearch

	for _, td := range cfg.Tools {
		switch td.Kind {
		case ToolWebSearch:
			if soleWebSearch {
				out.Tools = append(out.Tools, geminitool.GoogleSearch{})
			} else {
				out.Tools = append(out.Tools, agenttool.New(r.webSearch, nil))
			}
		case ToolFileSearch:
			if td.FileSearch == nil {
				return llmagent.Config{}, fmt.Errorf("file search tool is missing its parameters")
			}
			if r.Searcher == nil {
				return llmagent.Config{}, fmt.Errorf("file search tool requested but no document index is configured")
			}
			out.Toolsets = append(out.Toolsets, &FileSearchToolset{Searcher: r.Searcher, Params: *td.FileSearch})
		default:
			return llmagent.Config{}, fmt.Errorf("unknown tool kind %q", td.Kind)
		}
	}

	return out, nil
}

func (r *ADKRuntime) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func eventText(content *genai.Content) string {
	var sb strings.Builder
	for _, part := range content.Parts {
		if part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func appendGroundingSources(sources []Source, seen map[string]bool, gm *genai.GroundingMetadata) []Source {
	if gm == nil {
		return sources
	}
	for _, chunk := range gm.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" || seen[chunk.Web.URI] {
			continue
		}
		seen[chunk.Web.URI] = true
		sources = append(sources, Source{Title: chunk.Web.Title, URI: chunk.Web.URI})
	}
	return sources
}

// agentIdentifier turns a display name into an identifier ADK accepts.
func agentIdentifier(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "agent"
	}
	return sb.String()
}
