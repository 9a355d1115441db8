package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mikeboe/research-assistant/pkg/vectorstore"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"
)

const FileSearchToolName = "file_search"

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// DocumentIndex is one vector store.
type DocumentIndex interface {
	SimilaritySearch(ctx context.Context, queryEmbedding []float32, opts vectorstore.SearchOptions) ([]vectorstore.SimilaritySearchResult, error)
}

// IndexOpener resolves a vector store id to its index.
type IndexOpener func(vectorStoreID string) (DocumentIndex, error)

// FileSearcher retrieves chunks from the private document index. It backs the
// file_search tool and can be called directly.
type FileSearcher struct {
	Embedder QueryEmbedder
	Open     IndexOpener
	Logger   *slog.Logger
}

type FileSearchArgs struct {
	Query  string `json:"query" description:"The search query"`
	Source string `json:"source,omitempty" description:"Optional source (URL or file path) to restrict the search to"`
	Kind   string `json:"kind,omitempty" description:"Optional document kind to restrict the search to: file, url or arxiv"`
}

type FileSearchResp struct {
	Results string `json:"results"`
}

// Search embeds the query once, searches every configured store and keeps the
// MaxResults best chunks overall.
func (f *FileSearcher) Search(ctx context.Context, params FileSearchParams, args FileSearchArgs) ([]vectorstore.SimilaritySearchResult, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if len(params.VectorStoreIDs) == 0 {
		return nil, fmt.Errorf("no vector store configured")
	}
	topK := params.MaxResults
	if topK <= 0 {
		topK = DefaultFileSearchResults
	}

	f.logger().Info("File search", "query", args.Query, "topK", topK, "source", args.Source, "kind", args.Kind, "stores", params.VectorStoreIDs)

	queryEmbedding, err := f.Embedder.EmbedText(ctx, args.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	opts := vectorstore.SearchOptions{TopK: topK, Source: args.Source}
	if args.Kind != "" {
		opts.Filter = map[string]interface{}{"kind": args.Kind}
	}

	var all []vectorstore.SimilaritySearchResult
	for _, id := range params.VectorStoreIDs {
		index, err := f.Open(id)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store %s: %w", id, err)
		}
		results, err := index.SimilaritySearch(ctx, queryEmbedding, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to search vector store %s: %w", id, err)
		}
		all = append(all, results...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > topK {
		all = all[:topK]
	}
	return all, nil
}

// FormatResults renders hits the way the agent expects to cite them.
func FormatResults(results []vectorstore.SimilaritySearchResult) string {
	if len(results) == 0 {
		return "No matching documents found."
	}

	formatted := make([]string, 0, len(results))
	for _, result := range results {
		var sb strings.Builder
		fmt.Fprintf(&sb, "[Source]: %s\n", result.Document.Source())
		if title := result.Document.Title(); title != "" {
			fmt.Fprintf(&sb, "[Title]: %s\n", title)
		}
		fmt.Fprintf(&sb, "[Score]: %.3f\n[Content]: %s", result.Score, result.Document.Content)
		formatted = append(formatted, sb.String())
	}
	return strings.Join(formatted, "\n\n")
}

func (f *FileSearcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// FileSearchToolset exposes a FileSearcher to an ADK agent for one turn.
type FileSearchToolset struct {
	Searcher *FileSearcher
	Params   FileSearchParams
}

func (t *FileSearchToolset) Name() string {
	return "file_search_tools"
}

func (t *FileSearchToolset) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	searchTool, err := functiontool.New[FileSearchArgs, FileSearchResp](
		functiontool.Config{
			Name:        FileSearchToolName,
			Description: "Search the user's private document index using semantic search. Returns the most relevant excerpts with their sources.",
		},
		t.fileSearchTool,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create file search tool: %w", err)
	}
	return []tool.Tool{searchTool}, nil
}

func (t *FileSearchToolset) fileSearchTool(ctx tool.Context, args FileSearchArgs) (FileSearchResp, error) {
	results, err := t.Searcher.Search(ctx, t.Params, args)
	if err != nil {
		return FileSearchResp{}, err
	}
	return FileSearchResp{Results: FormatResults(results)}, nil
}
