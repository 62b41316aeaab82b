package llm

import (
	"context"
	"fmt"
)

// Role values used in Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single conversation turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request contains the parameters of one generation call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Provider     string `json:"provider"`
	Model        string `json:"model,omitempty"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is the result of a completed generation.
type Response struct {
	Text  string
	Usage Usage
}

// Chunk is one element of a provider stream. A chunk carries a Delta, or is
// the terminal chunk with the Usage reported so far and an optional Err.
// Usage rides along with Err so a stream that fails part way is still billed.
type Chunk struct {
	Delta string
	Usage *Usage
	Err   error
}

// Provider is a language model backend.
type Provider interface {
	// Name returns the provider identifier used in usage records and metrics.
	Name() string

	// Invoke performs a single-shot generation.
	Invoke(ctx context.Context, req Request) (*Response, error)

	// Stream starts a streamed generation. The returned channel is closed by
	// the provider when the stream ends, fails, or ctx is done. A non-nil
	// error means the stream never started.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Profile selects and configures a provider.
type Profile struct {
	Provider string `json:"provider" mapstructure:"provider"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
}

// NewProvider builds the provider named by the profile.
func NewProvider(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	case "static", "":
		return NewStaticProvider(nil), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// finishChunk delivers the terminal chunk. When ctx is already done it is
// left in the buffer if there is room, where the consumer drains it.
func finishChunk(ctx context.Context, ch chan<- Chunk, chunk Chunk) {
	if sendChunk(ctx, ch, chunk) {
		return
	}
	select {
	case ch <- chunk:
	default:
	}
}

// add accumulates o into u.
func (u *Usage) add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// sendChunk delivers a chunk unless ctx is done first.
func sendChunk(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
