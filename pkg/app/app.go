package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mikeboe/research-assistant/pkg/chat"
	"github.com/mikeboe/research-assistant/pkg/clients"
	"github.com/mikeboe/research-assistant/pkg/config"
	"github.com/mikeboe/research-assistant/pkg/database"
	"github.com/mikeboe/research-assistant/pkg/embeddings"
	"github.com/mikeboe/research-assistant/pkg/ingest"
	"github.com/mikeboe/research-assistant/pkg/vectorstore"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"
)

// App holds the wired components shared by the server and the CLI.
type App struct {
	Config   *config.Config
	DB       *database.PostgresDB
	Store    *vectorstore.PGVectorStore
	Embedder *embeddings.GoogleEmbedder
	Searcher *chat.FileSearcher
	Splitter *ingest.Splitter
	Repo     *chat.Repository
	Chat     *chat.Service
}

// New connects to Postgres, prepares the schema and the document index, and
// builds the chat service on the agent runtime.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a, err := build(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, db *database.PostgresDB) (*App, error) {
	if err := db.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store, err := vectorstore.NewPGVectorStore(db.Pool, cfg.VectorStoreID)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "VECTOR_STORE_ID", Reason: err.Error()}
	}
	if err := store.EnsureCollection(ctx, cfg.EmbeddingDimensions); err != nil {
		return nil, fmt.Errorf("failed to prepare vector store: %w", err)
	}

	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey, cfg.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	splitter, err := ingest.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "CHUNK_SIZE", Reason: err.Error()}
	}

	searcher := &chat.FileSearcher{
		Embedder: embedder,
		Open:     indexOpener(db, store),
		Logger:   slog.Default(),
	}

	llm, err := gemini.NewModel(ctx, cfg.ReasoningModel, &genai.ClientConfig{
		APIKey:  cfg.GoogleApiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	runtime, err := chat.NewADKRuntime(llm, searcher)
	if err != nil {
		return nil, err
	}

	executor := chat.NewExecutor(runtime, chat.NewBuilder(cfg.FileSearchMaxResults, store.ID()))
	executor.Timeout = cfg.TurnTimeout
	executor.MaxRetries = cfg.TurnMaxRetries
	executor.RetryBackoff = cfg.TurnRetryBackoff
	executor.HistoryMaxTurns = cfg.HistoryMaxTurns

	repo := chat.NewRepository(db)

	var titler chat.Titler
	if fast, err := clients.GoogleAI(ctx, cfg.GoogleApiKey, cfg.FastModel); err != nil {
		slog.Warn("Title generation disabled", "error", err)
	} else {
		titler = clients.NewTitler(fast)
	}

	return &App{
		Config:   cfg,
		DB:       db,
		Store:    store,
		Embedder: embedder,
		Searcher: searcher,
		Splitter: splitter,
		Repo:     repo,
		Chat:     chat.NewService(executor, repo, titler),
	}, nil
}

// SearchParams are the file search parameters used outside agent turns.
func (a *App) SearchParams() chat.FileSearchParams {
	return chat.FileSearchParams{MaxResults: a.Config.FileSearchMaxResults, VectorStoreIDs: []string{a.Store.ID()}}
}

// NewIndexer returns an indexer writing to the configured vector store.
func (a *App) NewIndexer(logger *slog.Logger) *ingest.Indexer {
	arxiv := ingest.NewArxivClient()
	arxiv.Logger = logger

	ix := ingest.NewIndexer(a.Store, a.Embedder, a.Splitter, ingest.NewMistralOCR(a.Config.MistralApiKey))
	ix.Arxiv = arxiv
	ix.Logger = logger
	return ix
}

func (a *App) Close() {
	a.Chat.Wait()
	a.DB.Close()
}

func indexOpener(db *database.PostgresDB, configured *vectorstore.PGVectorStore) chat.IndexOpener {
	return func(id string) (chat.DocumentIndex, error) {
		if id == configured.ID() {
			return configured, nil
		}
		return vectorstore.NewPGVectorStore(db.Pool, id)
	}
}

// SetupLogging installs the default slog logger at the given level, as text
// or as JSON lines.
func SetupLogging(w io.Writer, level string, json bool) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
}
