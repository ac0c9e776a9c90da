// Package evaluator runs stored turns through an LLM to produce a summary,
// a weight recommendation, and a topic/group assignment, then folds the
// result back into storage. The queue/config shape follows batch.Service's
// provider-agnostic completion call; this module is a server-side library
// rather than a WASM build, so the HTTP transport is net/http instead of a
// syscall/js fetch.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LLMClient performs a single non-streaming completion call.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// OpenRouterConfig configures the default LLMClient implementation.
type OpenRouterConfig struct {
	APIKey  string
	Model   string
	BaseURL string // defaults to https://openrouter.ai/api/v1/chat/completions
	Timeout time.Duration
}

// OpenRouterClient is the default LLMClient, calling OpenRouter's chat
// completions endpoint over net/http.
type OpenRouterClient struct {
	cfg    OpenRouterConfig
	client *http.Client
}

func NewOpenRouterClient(cfg OpenRouterConfig) *OpenRouterClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1/chat/completions"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenRouterClient{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

type orMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type orRequest struct {
	Model       string      `json:"model"`
	Messages    []orMessage `json:"messages"`
	Temperature float64     `json:"temperature"`
	MaxTokens   int         `json:"max_tokens"`
}

type orResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

func (c *OpenRouterClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody, err := json.Marshal(orRequest{
		Model: c.cfg.Model,
		Messages: []orMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.3,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", fmt.Errorf("evaluator: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("evaluator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("evaluator: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("evaluator: read response: %w", err)
	}

	var parsed orResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("evaluator: parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("evaluator: provider error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("evaluator: empty response")
	}
	return parsed.Choices[0].Message.Content, nil
}
