package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	DefaultMistralOCRURL = "https://api.mistral.ai/v1/ocr"
	mistralOCRModel      = "mistral-ocr-latest"
)

var ErrOCRNotConfigured = errors.New("MISTRAL_API_KEY is not set")

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type ocrPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type ocrResponse struct {
	Pages []ocrPage `json:"pages"`
}

// MistralOCR turns remote PDFs into markdown.
type MistralOCR struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

func NewMistralOCR(apiKey string) *MistralOCR {
	return &MistralOCR{APIKey: apiKey, BaseURL: DefaultMistralOCRURL, HTTP: http.DefaultClient}
}

// ScrapePDF returns the document's pages as markdown, each prefixed with its page marker.
func (m *MistralOCR) ScrapePDF(ctx context.Context, pdfURL string) (string, error) {
	if m.APIKey == "" {
		return "", ErrOCRNotConfigured
	}
	pdfURL = strings.Replace(pdfURL, "http://", "https://", 1)

	payload, err := json.Marshal(ocrRequest{
		Model:    mistralOCRModel,
		Document: ocrDocument{Type: "document_url", DocumentURL: pdfURL},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.APIKey)

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call OCR API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OCR request failed with status %s: %s", resp.Status, string(body))
	}

	var ocr ocrResponse
	if err := json.Unmarshal(body, &ocr); err != nil {
		return "", fmt.Errorf("failed to unmarshal OCR response: %w", err)
	}

	var sb strings.Builder
	for _, page := range ocr.Pages {
		fmt.Fprintf(&sb, "- Page %d -\n%s\n\n", page.Index+1, page.Markdown)
	}
	return strings.TrimSpace(sb.String()), nil
}
