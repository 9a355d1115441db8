package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mikeboe/research-assistant/pkg/vectorstore"
)

type SourceKind string

const (
	SourceFile  SourceKind = "file"
	SourceURL   SourceKind = "url"
	SourceArxiv SourceKind = "arxiv"
)

// Source is one ingestion request. For arXiv sources Location is the search
// query and every matching paper is indexed.
type Source struct {
	Kind       SourceKind `json:"kind" binding:"required,oneof=file url arxiv"`
	Location   string     `json:"location" binding:"required"`
	MaxResults int        `json:"max_results,omitempty"`
}

type DocumentStore interface {
	HasSource(ctx context.Context, source string) (bool, error)
	// ReplaceSource swaps all chunks of source for docs atomically.
	ReplaceSource(ctx context.Context, source string, docs []vectorstore.Document) (int64, error)
	AddDocuments(ctx context.Context, docs []vectorstore.Document) error
}

type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

type PDFScraper interface {
	ScrapePDF(ctx context.Context, url string) (string, error)
}

type PaperSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Paper, error)
}

type IndexedSource struct {
	Source string `json:"source"`
	Title  string `json:"title"`
	Chunks int    `json:"chunks"`
}

type FailedSource struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

type Report struct {
	Indexed []IndexedSource `json:"indexed"`
	Skipped []string        `json:"skipped"`
	Failed  []FailedSource  `json:"failed"`
}

func (r Report) Chunks() int {
	n := 0
	for _, s := range r.Indexed {
		n += s.Chunks
	}
	return n
}

// Indexer fetches sources, splits them, embeds the chunks and stores them in
// the document index.
type Indexer struct {
	Store    DocumentStore
	Embedder Embedder
	Splitter *Splitter
	OCR      PDFScraper
	Arxiv    PaperSearcher
	HTTP     *http.Client
	Logger   *slog.Logger

	// Replace re-indexes sources that are already in the store.
	Replace     bool
	Concurrency int
}

func NewIndexer(store DocumentStore, embedder Embedder, splitter *Splitter, ocr PDFScraper) *Indexer {
	return &Indexer{
		Store:       store,
		Embedder:    embedder,
		Splitter:    splitter,
		OCR:         ocr,
		Arxiv:       NewArxivClient(),
		HTTP:        http.DefaultClient,
		Logger:      slog.Default(),
		Concurrency: 3,
	}
}

type item struct {
	kind     SourceKind
	location string
	title    string
	// fallback is indexed when the full text cannot be fetched.
	fallback string
	pdf      bool
}

// Run indexes every source. Failures of single sources are reported, not
// returned; the error is non-nil only when ctx ends.
func (ix *Indexer) Run(ctx context.Context, sources []Source) (Report, error) {
	items, report := ix.expand(ctx, sources)
	ix.Logger.Info("Starting indexing", "sources", len(sources), "documents", len(items))

	limit := ix.Concurrency
	if limit <= 0 {
		limit = 1
	}
	semaphore := make(chan struct{}, limit)

	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := make(map[string]bool)

	for _, it := range items {
		if seen[it.location] {
			continue
		}
		seen[it.location] = true

		wg.Add(1)
		go func(it item) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-semaphore }()

			indexed, skipped, err := ix.indexOne(ctx, it)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				ix.Logger.Error("Failed to index source", "source", it.location, "error", err)
				report.Failed = append(report.Failed, FailedSource{Source: it.location, Error: err.Error()})
			case skipped:
				ix.Logger.Info("Source already indexed, skipping", "source", it.location)
				report.Skipped = append(report.Skipped, it.location)
			default:
				ix.Logger.Info("Indexed source", "source", it.location, "chunks", indexed.Chunks)
				report.Indexed = append(report.Indexed, indexed)
			}
		}(it)
	}
	wg.Wait()

	ix.Logger.Info("Indexing complete", "indexed", len(report.Indexed), "skipped", len(report.Skipped), "failed", len(report.Failed), "chunks", report.Chunks())
	return report, ctx.Err()
}

// expand resolves arXiv queries to their papers.
func (ix *Indexer) expand(ctx context.Context, sources []Source) ([]item, Report) {
	var report Report
	var items []item

	for _, src := range sources {
		location := strings.TrimSpace(src.Location)
		switch src.Kind {
		case SourceFile, SourceURL:
			items = append(items, item{kind: src.Kind, location: location, pdf: isPDFPath(location)})
		case SourceArxiv:
			papers, err := ix.Arxiv.Search(ctx, location, src.MaxResults)
			if err != nil {
				ix.Logger.Error("arXiv search failed", "query", location, "error", err)
				report.Failed = append(report.Failed, FailedSource{Source: "arxiv:" + location, Error: err.Error()})
				continue
			}
			for _, p := range papers {
				if p.PDFURL == "" {
					continue
				}
				items = append(items, item{kind: SourceArxiv, location: p.PDFURL, title: p.Title, fallback: p.Summary, pdf: true})
			}
		default:
			report.Failed = append(report.Failed, FailedSource{Source: location, Error: fmt.Sprintf("unknown source kind %q", src.Kind)})
		}
	}
	return items, report
}

func (ix *Indexer) indexOne(ctx context.Context, it item) (IndexedSource, bool, error) {
	if !ix.Replace {
		exists, err := ix.Store.HasSource(ctx, it.location)
		if err != nil {
			return IndexedSource{}, false, err
		}
		if exists {
			return IndexedSource{}, true, nil
		}
	}

	title, text, err := ix.fetch(ctx, it)
	if err != nil {
		if it.fallback == "" {
			return IndexedSource{}, false, err
		}
		ix.Logger.Warn("Failed to fetch full text, using summary", "source", it.location, "error", err)
		text = it.fallback
	}
	if it.title != "" {
		title = it.title
	}
	if strings.TrimSpace(text) == "" {
		return IndexedSource{}, false, fmt.Errorf("no text content in %s", it.location)
	}

	chunks, err := ix.Splitter.SplitText(text)
	if err != nil {
		return IndexedSource{}, false, err
	}
	if len(chunks) == 0 {
		return IndexedSource{}, false, fmt.Errorf("no chunks produced for %s", it.location)
	}

	embeddings, err := ix.Embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		return IndexedSource{}, false, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return IndexedSource{}, false, fmt.Errorf("got %d embeddings for %d chunks", len(embeddings), len(chunks))
	}

	docs := make([]vectorstore.Document, len(chunks))
	for i, chunk := range chunks {
		metadata := map[string]interface{}{
			"source": it.location,
			"kind":   string(it.kind),
			"chunk":  i,
		}
		if title != "" {
			metadata["title"] = title
		}
		docs[i] = vectorstore.Document{Content: chunk, Metadata: metadata, Embedding: embeddings[i]}
	}

	// Old chunks go only once the new ones are ready.
	if ix.Replace {
		n, err := ix.Store.ReplaceSource(ctx, it.location, docs)
		if err != nil {
			return IndexedSource{}, false, err
		}
		if n > 0 {
			ix.Logger.Info("Replaced indexed source", "source", it.location, "old_chunks", n)
		}
	} else if err := ix.Store.AddDocuments(ctx, docs); err != nil {
		return IndexedSource{}, false, err
	}
	return IndexedSource{Source: it.location, Title: title, Chunks: len(docs)}, false, nil
}

func (ix *Indexer) fetch(ctx context.Context, it item) (string, string, error) {
	switch {
	case it.kind == SourceFile:
		return readFile(it.location)
	case it.pdf:
		return ix.scrapePDF(ctx, it.location)
	default:
		return ix.fetchURL(ctx, it.location)
	}
}

func (ix *Indexer) scrapePDF(ctx context.Context, url string) (string, string, error) {
	if ix.OCR == nil {
		return "", "", ErrOCRNotConfigured
	}
	text, err := ix.OCR.ScrapePDF(ctx, url)
	if err != nil {
		return "", "", err
	}
	return "", text, nil
}

func (ix *Indexer) fetchURL(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := ix.HTTP.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetching %s returned status %d", url, resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/pdf":
		return ix.scrapePDF(ctx, url)
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return ExtractHTML(resp.Body)
	case strings.HasPrefix(mediaType, "text/") || mediaType == "" || mediaType == "application/json":
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return "", "", fmt.Errorf("failed to read %s: %w", url, err)
		}
		return "", string(body), nil
	default:
		return "", "", fmt.Errorf("unsupported content type %q at %s", mediaType, url)
	}
}

func readFile(path string) (string, string, error) {
	if isPDFPath(path) {
		return "", "", fmt.Errorf("local PDF %s: index it by URL so it can be OCRed", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		title, text, err := ExtractHTML(f)
		if title == "" {
			title = name
		}
		return title, text, err
	default:
		body, err := io.ReadAll(f)
		if err != nil {
			return "", "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return name, string(body), nil
	}
}

func isPDFPath(location string) bool {
	lower := strings.ToLower(location)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	return strings.HasSuffix(lower, ".pdf") || strings.Contains(lower, "arxiv.org/pdf/")
}
