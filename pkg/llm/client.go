package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/retry"
	"github.com/harun/parley/internal/tracing"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Provider    Provider
	Model       string
	MaxTokens   int
	Temperature float64
	Policy      retry.Policy
	Logger      zerolog.Logger
	// Sleep overrides the backoff wait. Tests use it to skip real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client wraps a Provider with retry, defaults, metrics and tracing.
type Client struct {
	provider    Provider
	model       string
	maxTokens   int
	temperature float64
	policy      retry.Policy
	sleep       func(ctx context.Context, d time.Duration) error
	logger      zerolog.Logger
}

// NewClient creates a retrying generation client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.DefaultPolicy()
	}

	return &Client{
		provider:    cfg.Provider,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		policy:      cfg.Policy,
		sleep:       cfg.Sleep,
		logger:      cfg.Logger.With().Str("component", "llm").Str("provider", cfg.Provider.Name()).Logger(),
	}, nil
}

// Provider returns the underlying provider name.
func (c *Client) Provider() string {
	return c.provider.Name()
}

func (c *Client) withDefaults(req Request) Request {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.maxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = c.temperature
	}
	return req
}

func (c *Client) runner(ctx context.Context) retry.Runner {
	logger := tracing.LoggerFromContext(ctx, c.logger)
	return retry.Runner{
		Policy:    c.policy,
		Retryable: IsTransient,
		Sleep:     c.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Generation attempt failed, retrying")
		},
	}
}

// Invoke performs a single-shot generation, retrying transient failures.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	req = c.withDefaults(req)
	name := c.provider.Name()

	ctx, span := tracing.StartSpan(ctx, "parley.llm", "Client.Invoke",
		attribute.String("provider", name),
		attribute.String("model", req.Model),
	)
	defer span.End()

	var resp *Response
	result := c.runner(ctx).Do(ctx, func(int) error {
		r, err := c.provider.Invoke(ctx, req)
		observability.RecordGenerationAttempt(name, outcomeLabel(err))
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	observability.RecordGeneration(name, "invoke", result.Duration)
	span.SetAttributes(attribute.Int("attempts", result.Attempts))

	if result.Err != nil {
		err := wrapProviderError(name, result.Err, result.Attempts)
		tracing.RecordError(span, err)
		return nil, err
	}

	resp.Usage.Provider = name
	if resp.Usage.Model == "" {
		resp.Usage.Model = req.Model
	}
	observability.RecordTokens(name, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

// Stream performs a streamed generation. Every text delta is sent to out in
// order, and out is closed before Stream returns. Transient failures are
// retried only while no delta has been emitted; a failure after that ends the
// stream. The returned response carries the accumulated text and usage even
// when err is non-nil.
func (c *Client) Stream(ctx context.Context, req Request, out chan<- string) (*Response, error) {
	defer close(out)

	req = c.withDefaults(req)
	name := c.provider.Name()

	ctx, span := tracing.StartSpan(ctx, "parley.llm", "Client.Stream",
		attribute.String("provider", name),
		attribute.String("model", req.Model),
	)
	defer span.End()

	var text strings.Builder
	usage := Usage{Provider: name, Model: req.Model}
	emitted := false

	result := c.runner(ctx).Do(ctx, func(int) error {
		chunks, err := c.provider.Stream(ctx, req)
		if err != nil {
			observability.RecordGenerationAttempt(name, outcomeLabel(err))
			return err
		}

		err = c.consume(ctx, chunks, out, &text, &usage, &emitted)
		observability.RecordGenerationAttempt(name, outcomeLabel(err))
		return err
	})

	observability.RecordGeneration(name, "stream", result.Duration)
	observability.RecordTokens(name, usage.InputTokens, usage.OutputTokens)
	span.SetAttributes(
		attribute.Int("attempts", result.Attempts),
		attribute.Bool("emitted", emitted),
	)

	resp := &Response{Text: text.String(), Usage: usage}
	if result.Err != nil {
		err := wrapProviderError(name, result.Err, result.Attempts)
		tracing.RecordError(span, err)
		return resp, err
	}
	return resp, nil
}

// consume forwards deltas to out and accumulates reported usage. Usage from
// every attempt counts, including attempts that failed or were cancelled.
func (c *Client) consume(ctx context.Context, chunks <-chan Chunk, out chan<- string, text *strings.Builder, usage *Usage, emitted *bool) error {
	for {
		select {
		case <-ctx.Done():
			drainUsage(chunks, usage)
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if chunk.Usage != nil {
				usage.add(*chunk.Usage)
			}
			switch {
			case chunk.Err != nil:
				if *emitted {
					return &ProviderError{
						Provider:  c.provider.Name(),
						Transient: false,
						MidStream: true,
						Status:    statusCode(chunk.Err),
						Err:       chunk.Err,
					}
				}
				return chunk.Err
			case chunk.Delta != "":
				select {
				case out <- chunk.Delta:
				case <-ctx.Done():
					drainUsage(chunks, usage)
					return ctx.Err()
				}
				*emitted = true
				text.WriteString(chunk.Delta)
			}
		}
	}
}

// drainUsage reads what a provider sends after ctx ended. Providers close the
// channel once they observe ctx, so this returns promptly.
func drainUsage(chunks <-chan Chunk, usage *Usage) {
	for chunk := range chunks {
		if chunk.Usage != nil {
			usage.add(*chunk.Usage)
		}
	}
}
