package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/mikeboe/research-assistant/pkg/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	queries []string
	err     error
}

func (s *stubEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	s.queries = append(s.queries, text)
	return []float32{1, 0}, s.err
}

type stubIndex struct {
	results []vectorstore.SimilaritySearchResult
	opts    []vectorstore.SearchOptions
}

func (s *stubIndex) SimilaritySearch(_ context.Context, _ []float32, opts vectorstore.SearchOptions) ([]vectorstore.SimilaritySearchResult, error) {
	s.opts = append(s.opts, opts)
	return s.results, nil
}

func hit(source, content string, score float64) vectorstore.SimilaritySearchResult {
	return vectorstore.SimilaritySearchResult{
		Document: vectorstore.Document{Content: content, Metadata: map[string]interface{}{"source": source}},
		Score:    score,
	}
}

func TestFileSearcherMergesStoresByScore(t *testing.T) {
	papers := &stubIndex{results: []vectorstore.SimilaritySearchResult{hit("a.pdf", "a", 0.9), hit("b.pdf", "b", 0.4)}}
	notes := &stubIndex{results: []vectorstore.SimilaritySearchResult{hit("notes.md", "n", 0.7), hit("todo.md", "t", 0.1)}}
	indexes := map[string]DocumentIndex{"papers": papers, "notes": notes}

	embedder := &stubEmbedder{}
	searcher := &FileSearcher{
		Embedder: embedder,
		Open: func(id string) (DocumentIndex, error) {
			idx, ok := indexes[id]
			if !ok {
				return nil, errors.New("unknown store")
			}
			return idx, nil
		},
		Logger: discardLogger(),
	}

	results, err := searcher.Search(context.Background(),
		FileSearchParams{MaxResults: 3, VectorStoreIDs: []string{"papers", "notes"}},
		FileSearchArgs{Query: "attention", Source: "a.pdf"})
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, []string{"a.pdf", "notes.md", "b.pdf"},
		[]string{results[0].Document.Source(), results[1].Document.Source(), results[2].Document.Source()})
	assert.Equal(t, []string{"attention"}, embedder.queries, "query is embedded once")
	assert.Equal(t, vectorstore.SearchOptions{TopK: 3, Source: "a.pdf"}, papers.opts[0])
}

func TestFileSearcherKindFilter(t *testing.T) {
	index := &stubIndex{}
	searcher := &FileSearcher{
		Embedder: &stubEmbedder{},
		Open:     func(string) (DocumentIndex, error) { return index, nil },
		Logger:   discardLogger(),
	}

	_, err := searcher.Search(context.Background(),
		FileSearchParams{MaxResults: 2, VectorStoreIDs: []string{"docs"}},
		FileSearchArgs{Query: "q", Kind: "file"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"kind": "file"}, index.opts[0].Filter)
}

func TestFileSearcherErrors(t *testing.T) {
	open := func(string) (DocumentIndex, error) { return &stubIndex{}, nil }

	searcher := &FileSearcher{Embedder: &stubEmbedder{}, Open: open, Logger: discardLogger()}
	_, err := searcher.Search(context.Background(), FileSearchParams{MaxResults: 3, VectorStoreIDs: []string{"docs"}}, FileSearchArgs{Query: " "})
	require.Error(t, err)

	_, err = searcher.Search(context.Background(), FileSearchParams{MaxResults: 3}, FileSearchArgs{Query: "q"})
	require.Error(t, err)

	failing := &FileSearcher{Embedder: &stubEmbedder{err: errors.New("quota")}, Open: open, Logger: discardLogger()}
	_, err = failing.Search(context.Background(), FileSearchParams{MaxResults: 3, VectorStoreIDs: []string{"docs"}}, FileSearchArgs{Query: "q"})
	require.ErrorContains(t, err, "quota")
}

func TestFormatResults(t *testing.T) {
	assert.Equal(t, "No matching documents found.", FormatResults(nil))

	r := hit("https://arxiv.org/pdf/1706.03762", "Attention is all you need.", 0.8123)
	r.Document.Metadata["title"] = "Attention Is All You Need"

	got := FormatResults([]vectorstore.SimilaritySearchResult{r, hit("notes.md", "more", 0.5)})
	assert.Equal(t,
		"[Source]: https://arxiv.org/pdf/1706.03762\n[Title]: Attention Is All You Need\n[Score]: 0.812\n[Content]: Attention is all you need.\n\n"+
			"[Source]: notes.md\n[Score]: 0.500\n[Content]: more",
		got)
}
