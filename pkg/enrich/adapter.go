package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Request is one analysis call. Prompt is the rendered template; Text and
// Source are the inputs it was rendered from.
type Request struct {
	Prompt string
	Text   string
	Source string
}

// Adapter turns a message into structured fields.
type Adapter interface {
	Provider() string
	Model() string
	Analyze(ctx context.Context, req Request) (*Analysis, error)
}

// AdapterConfig selects and configures an adapter.
type AdapterConfig struct {
	Provider string // "openai", "anthropic" or "static"
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// NewAdapter builds the adapter named by cfg.Provider.
func NewAdapter(cfg AdapterConfig) (Adapter, error) {
	switch cfg.Provider {
	case "", "static":
		return NewStatic(), nil
	case "openai", "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%s adapter requires an api key", cfg.Provider)
		}
		return NewLLM(cfg), nil
	default:
		return nil, fmt.Errorf("unknown enrichment provider %q", cfg.Provider)
	}
}

// LLM calls a chat completion API and parses the JSON answer.
type LLM struct {
	client   *http.Client
	provider string // "openai" or "anthropic"
	model    string
	apiKey   string
	baseURL  string
}

// NewLLM creates an HTTP adapter for OpenAI or Anthropic.
func NewLLM(cfg AdapterConfig) *LLM {
	model := cfg.Model
	if model == "" {
		switch cfg.Provider {
		case "anthropic":
			model = "claude-sonnet-4-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLM{
		client:   &http.Client{Timeout: timeout},
		provider: cfg.Provider,
		model:    model,
		apiKey:   cfg.APIKey,
		baseURL:  cfg.BaseURL,
	}
}

func (l *LLM) Provider() string { return l.provider }
func (l *LLM) Model() string    { return l.model }

func (l *LLM) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	var (
		raw string
		err error
	)
	switch l.provider {
	case "anthropic":
		raw, err = l.callAnthropic(ctx, req.Prompt)
	default:
		raw, err = l.callOpenAI(ctx, req.Prompt)
	}
	if err != nil {
		return nil, err
	}
	return ParseAnalysis(raw)
}

func (l *LLM) callOpenAI(ctx context.Context, prompt string) (string, error) {
	baseURL := l.baseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	payload := map[string]any{
		"model": l.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("openai status %d: %v", resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	return result.Choices[0].Message.Content, nil
}

func (l *LLM) callAnthropic(ctx context.Context, prompt string) (string, error) {
	baseURL := l.baseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	payload := map[string]any{
		"model":      l.model,
		"max_tokens": 1024,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call anthropic: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("anthropic status %d: %v", resp.StatusCode, errResp)
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode anthropic response: %w", err)
	}

	if len(result.Content) == 0 {
		return "", fmt.Errorf("anthropic: no content returned")
	}
	return result.Content[0].Text, nil
}
