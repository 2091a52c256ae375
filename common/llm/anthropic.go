package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func newAnthropicClient(cfg Config) *anthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250514"
	}

	return &anthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}
}

func (c *anthropicClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	text, usage, err := c.send(ctx, req.SystemPrompt, req.UserPrompt, maxTokensOr(req.MaxTokens, c.maxTokens, 400), req.Temperature)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}
	return &Completion{
		Text:             strings.TrimSpace(text),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}, nil
}

// Chat has no native schema enforcement here, so the schema is appended to the system prompt
// and the first JSON object in the reply is decoded.
func (c *anthropicClient) Chat(ctx context.Context, req Request, result any) (*Response, error) {
	schema, err := json.Marshal(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	system := req.SystemPrompt + "\n\nRespond with a single JSON object matching this JSON schema and nothing else:\n" + string(schema)

	text, usage, err := c.send(ctx, system, req.UserPrompt, maxTokensOr(req.MaxTokens, c.maxTokens, 1000), req.Temperature)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	if err := json.Unmarshal([]byte(extractJSONObject(text)), result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return usage, nil
}

func (c *anthropicClient) Model() string {
	return c.model
}

func (c *anthropicClient) send(ctx context.Context, system, user string, maxTokens int, temperature *float64) (string, *Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if temperature != nil {
		params.Temperature = anthropic.Float(*temperature)
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", nil, err
	}

	slog.DebugContext(ctx, "llm message completed",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason)

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return sb.String(), &Response{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}
