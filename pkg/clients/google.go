package clients

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

const maxTitleLength = 80

// GoogleAI returns a langchaingo model backed by the Gemini API.
func GoogleAI(ctx context.Context, apiKey, model string) (*googleai.GoogleAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google api key is empty")
	}
	// See https://ai.google.dev/gemini-api/docs/models/gemini for possible models
	llm, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))
	if err != nil {
		return nil, fmt.Errorf("failed to create google ai client: %w", err)
	}
	return llm, nil
}

// Titler names conversations with a fast model.
type Titler struct {
	LLM llms.Model
}

func NewTitler(llm llms.Model) *Titler {
	return &Titler{LLM: llm}
}

func (t *Titler) GenerateTitle(ctx context.Context, question, answer string) (string, error) {
	prompt := fmt.Sprintf(`Write a short title (at most 6 words) for a research conversation that starts with the exchange below.
Return only the title, without quotes or punctuation at the end.

Question: %s

Answer: %s`, question, truncateRunes(answer, 1000))

	resp, err := llms.GenerateFromSinglePrompt(ctx, t.LLM, prompt, llms.WithTemperature(0.2))
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}
	return cleanTitle(resp), nil
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(strings.TrimSpace(s), "\"'`*#. ")
	return truncateRunes(s, maxTitleLength)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
