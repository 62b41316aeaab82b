package llm

import (
	"context"
	"strings"
)

// StaticProvider answers without a network call. It backs local development
// and tests; the reply function decides the text.
type StaticProvider struct {
	reply func(Request) string
}

// NewStaticProvider creates a static provider. A nil reply echoes the last
// user message.
func NewStaticProvider(reply func(Request) string) *StaticProvider {
	if reply == nil {
		reply = echoLastUser
	}
	return &StaticProvider{reply: reply}
}

// Name returns the provider name.
func (p *StaticProvider) Name() string {
	return "static"
}

// Invoke returns the reply in one piece.
func (p *StaticProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := p.reply(req)
	return &Response{Text: text, Usage: p.usage(req, text)}, nil
}

// Stream emits the reply one word at a time.
func (p *StaticProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := p.reply(req)

	chunks := make(chan Chunk, 16)
	go func() {
		defer close(chunks)
		var sent strings.Builder
		for _, word := range splitKeepSpace(text) {
			if !sendChunk(ctx, chunks, Chunk{Delta: word}) {
				usage := p.usage(req, sent.String())
				finishChunk(ctx, chunks, Chunk{Usage: &usage, Err: ctx.Err()})
				return
			}
			sent.WriteString(word)
		}
		usage := p.usage(req, text)
		finishChunk(ctx, chunks, Chunk{Usage: &usage})
	}()
	return chunks, nil
}

func (p *StaticProvider) usage(req Request, text string) Usage {
	in := len(req.System)
	for _, m := range req.Messages {
		in += len(m.Content)
	}
	return Usage{
		InputTokens:  estimateTokens(in),
		OutputTokens: estimateTokens(len(text)),
		Provider:     p.Name(),
		Model:        req.Model,
	}
}

// estimateTokens approximates four bytes per token.
func estimateTokens(n int) int64 {
	if n == 0 {
		return 0
	}
	return int64(n/4 + 1)
}

func echoLastUser(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

// splitKeepSpace splits s after each space so the pieces concatenate back to s.
func splitKeepSpace(s string) []string {
	var parts []string
	for s != "" {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			parts = append(parts, s)
			break
		}
		parts = append(parts, s[:i+1])
		s = s[i+1:]
	}
	return parts
}
