// Package llm turns natural language queries into Python code. The Client
// interface decouples orchestration from the provider; the Gemini
// implementation is the production one.
package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Client generates and corrects Python code.
type Client interface {
	// Generate produces code for a natural language query.
	Generate(ctx context.Context, query string) (string, error)
	// Correct produces a new version of code that failed validation.
	Correct(ctx context.Context, query, failedCode string, validationErrors []string) (string, error)
}

// Gemini is a Client backed by the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates the Gemini client.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Generate implements Client.
func (g *Gemini) Generate(ctx context.Context, query string) (string, error) {
	prompt := fmt.Sprintf(`Generate Python code to answer this query: %s

Requirements:
- Write clean, efficient Python code
- Do not use file I/O operations
- Do not use OS commands or subprocess
- Do not use network operations
- Only use standard library modules from the allowlist

Return only the Python code, no explanations.`, query)

	return g.complete(ctx, prompt)
}

// Correct implements Client.
func (g *Gemini) Correct(ctx context.Context, query, failedCode string, validationErrors []string) (string, error) {
	prompt := fmt.Sprintf(`The following code failed validation:

`+"```python\n%s\n```"+`

Validation errors:
%s

Original query: %s

Please generate corrected Python code that:
1. Addresses all validation errors
2. Still fulfills the original query
3. Follows all security constraints

Return only the corrected Python code, no explanations.`,
		failedCode, strings.Join(validationErrors, "\n"), query)

	return g.complete(ctx, prompt)
}

func (g *Gemini) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty response from model %s", g.model)
	}
	return StripCodeFence(text), nil
}

// StripCodeFence removes a surrounding markdown fence when the model wraps
// its answer in one.
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		// Drop the language tag line.
		if lang := strings.TrimSpace(trimmed[:i]); lang == "" || isIdentifier(lang) {
			trimmed = trimmed[i+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func isIdentifier(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(s) > 0
}
