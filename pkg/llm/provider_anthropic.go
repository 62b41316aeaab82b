package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider for Anthropic Claude.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) params(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

// Invoke makes a single-shot call to Claude.
func (p *AnthropicProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	response, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return nil, err
	}

	text := ""
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += b.Text
		}
	}

	return &Response{
		Text: text,
		Usage: Usage{
			InputTokens:  response.Usage.InputTokens,
			OutputTokens: response.Usage.OutputTokens,
			Provider:     p.Name(),
			Model:        req.Model,
		},
	}, nil
}

// Stream starts a streamed call to Claude.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(req))
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, err
	}

	chunks := make(chan Chunk, 16)
	go func() {
		defer close(chunks)
		defer stream.Close()

		usage := Usage{Provider: p.Name(), Model: req.Model}
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				usage.InputTokens = event.AsMessageStart().Message.Usage.InputTokens
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					if !sendChunk(ctx, chunks, Chunk{Delta: delta.Text}) {
						finishChunk(ctx, chunks, Chunk{Usage: &usage, Err: ctx.Err()})
						return
					}
				}
			case "message_delta":
				usage.OutputTokens = event.AsMessageDelta().Usage.OutputTokens
			case "error":
				finishChunk(ctx, chunks, Chunk{Usage: &usage, Err: fmt.Errorf("anthropic stream error")})
				return
			}
		}
		finishChunk(ctx, chunks, Chunk{Usage: &usage, Err: stream.Err()})
	}()

	return chunks, nil
}
