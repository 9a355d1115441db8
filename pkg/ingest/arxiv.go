package ingest

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const DefaultArxivURL = "https://export.arxiv.org/api/query"

type arxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Links     []arxivLink `xml:"link"`
}

type arxivLink struct {
	Href  string `xml:"href,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

// Paper is one arXiv search hit.
type Paper struct {
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Published string `json:"published"`
	PDFURL    string `json:"pdf_url"`
}

type ArxivClient struct {
	BaseURL string
	HTTP    *http.Client
	Logger  *slog.Logger
}

func NewArxivClient() *ArxivClient {
	return &ArxivClient{BaseURL: DefaultArxivURL, HTTP: http.DefaultClient, Logger: slog.Default()}
}

// Search queries the arXiv API. Papers with a title seen earlier in the
// result list are dropped.
func (c *ArxivClient) Search(ctx context.Context, query string, maxResults int) ([]Paper, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	params := url.Values{}
	params.Set("search_query", query)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(maxResults))
	apiURL := c.BaseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query arXiv: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.Logger.Error("arXiv returned non-200 status code", "status", resp.StatusCode)
		return nil, fmt.Errorf("arXiv returned status %d: %s", resp.StatusCode, string(body))
	}

	papers, err := parseArxivFeed(body)
	if err != nil {
		return nil, err
	}
	c.Logger.Info("arXiv search complete", "query", query, "count", len(papers))
	return papers, nil
}

func parseArxivFeed(body []byte) ([]Paper, error) {
	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arXiv feed: %w", err)
	}

	papers := make([]Paper, 0, len(feed.Entries))
	seen := make(map[string]bool)
	for _, entry := range feed.Entries {
		title := strings.Join(strings.Fields(entry.Title), " ")
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true

		p := Paper{
			Title:     title,
			Summary:   strings.TrimSpace(entry.Summary),
			Published: entry.Published,
		}
		for _, link := range entry.Links {
			if link.Type == "application/pdf" || link.Title == "pdf" {
				p.PDFURL = strings.Replace(link.Href, "http://", "https://", 1)
				break
			}
		}
		papers = append(papers, p)
	}
	return papers, nil
}
