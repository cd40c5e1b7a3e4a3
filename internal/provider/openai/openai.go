// Package openai streams chat completions from OpenAI and from providers
// that expose the same API, such as DeepSeek.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/deep-search/internal/provider"
)

type Provider struct {
	name      string
	pricingID string
	apiKey    string
	baseURL   string
	models    []string
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	User          string         `json:"user,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	ID      string         `json:"id"`
	Choices []streamChoice `json:"choices"`
	Usage   *chatUsage     `json:"usage"`
}

type streamChoice struct {
	Delta chatDelta `json:"delta"`
}

type chatDelta struct {
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens         int `json:"prompt_tokens"`
	CompletionTokens     int `json:"completion_tokens"`
	PromptCacheHitTokens int `json:"prompt_cache_hit_tokens"`
	PromptTokensDetails  *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u *chatUsage) toUsage() *provider.Usage {
	cached := u.PromptCacheHitTokens
	if u.PromptTokensDetails != nil && u.PromptTokensDetails.CachedTokens > cached {
		cached = u.PromptTokensDetails.CachedTokens
	}
	return &provider.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		CachedTokens: cached,
	}
}

// New builds a client for any OpenAI-compatible endpoint. The first model is
// the default.
func New(name, pricingID, apiKey, baseURL string, models []string) *Provider {
	return &Provider{
		name:      name,
		pricingID: pricingID,
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		models:    models,
	}
}

func NewOpenAI(apiKey string) *Provider {
	return New("openai", "openai", apiKey, "https://api.openai.com/v1", []string{"gpt-4o-mini", "gpt-4o", "gpt-4.1", "gpt-4.1-mini"})
}

func NewDeepSeek(apiKey string) *Provider {
	return New("deepseek", "deepseek", apiKey, "https://api.deepseek.com/v1", []string{"deepseek-chat", "deepseek-reasoner"})
}

func (p *Provider) mapRequest(req *provider.Request) chatRequest {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}

	return chatRequest{
		Model:         model,
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		User:          req.UserID,
	}
}

func (p *Provider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		send := func(c *provider.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			send(&provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			send(&provider.Chunk{Err: fmt.Errorf("%s api error (status %d): %s", p.name, resp.StatusCode, string(respBody))})
			return
		}

		var usage *provider.Usage
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					send(&provider.Chunk{Done: true, Usage: usage})
					return
				}
				send(&provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				send(&provider.Chunk{Done: true, Usage: usage})
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				send(&provider.Chunk{Err: err})
				return
			}

			// With include_usage the last chunk has usage and no choices.
			if chunk.Usage != nil {
				usage = chunk.Usage.toUsage()
			}

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !send(&provider.Chunk{Delta: chunk.Choices[0].Delta.Content}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) PricingID() string {
	return p.pricingID
}

func (p *Provider) DefaultModel() string {
	if len(p.models) == 0 {
		return ""
	}
	return p.models[0]
}

func (p *Provider) SupportedModels() []string {
	return p.models
}
