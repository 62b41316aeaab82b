package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
)

// Tool update statuses reported to progress observers.
const (
	UpdateRunning  = "running"
	UpdateComplete = "complete"
	UpdateFailed   = "failed"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Timeout bounds a single tool run. Defaults to 30s.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Dispatcher runs selected read-only tools.
type Dispatcher struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// ExecuteOption customizes one Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	progress func(tool, status string)
}

// WithProgress reports each tool's running and terminal status.
func WithProgress(fn func(tool, status string)) ExecuteOption {
	return func(o *executeOptions) { o.progress = fn }
}

// Execute runs the selected tools found in available, in selection order.
// Unknown names and actions are skipped. Failures (errors, schema
// violations, timeouts, panics) are recorded in the call records and left
// out of the result map. Successful payloads are keyed by tool name.
func (d *Dispatcher) Execute(ctx context.Context, available *Registry, selected []string, args map[string]map[string]any, opts ...ExecuteOption) (map[string]any, []CallRecord) {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := tracing.LoggerFromContext(ctx, d.logger)
	results := make(map[string]any)
	records := make([]CallRecord, 0, len(selected))
	seen := make(map[string]bool, len(selected))

	for _, name := range selected {
		if seen[name] {
			continue
		}
		seen[name] = true

		tool, ok := available.Queryable(name)
		if !ok {
			logger.Debug().Str("tool", name).Msg("Skipping unknown or non-query tool")
			continue
		}
		if ctx.Err() != nil {
			break
		}

		input := args[name]
		if input == nil {
			input = map[string]any{}
		}

		if o.progress != nil {
			o.progress(name, UpdateRunning)
		}

		rec := d.run(ctx, tool, available.schema(name), input)
		records = append(records, rec)

		status := UpdateComplete
		if rec.Failed() {
			status = UpdateFailed
			logger.Warn().Str("tool", name).Str("error", rec.Error).Dur("duration", rec.Duration).Msg("Tool execution failed")
		} else {
			results[name] = rec.Output
			logger.Debug().Str("tool", name).Dur("duration", rec.Duration).Msg("Tool execution completed")
		}
		if o.progress != nil {
			o.progress(name, status)
		}
	}

	return results, records
}

func (d *Dispatcher) run(ctx context.Context, tool Queryable, schema schemaValidator, input map[string]any) (rec CallRecord) {
	name := tool.Name()
	rec = CallRecord{Name: name, Input: input}

	ctx, span := tracing.StartSpan(ctx, "parley.tools", "tool.execute", attribute.String("tool", name))
	defer span.End()

	start := time.Now()
	defer func() {
		rec.Duration = time.Since(start)
		observability.RecordToolExecution(name, rec.Duration, !rec.Failed())
	}()

	if err := schema.validate(input); err != nil {
		rec.Error = fmt.Sprintf("parameter validation failed: %v", err)
		tracing.RecordError(span, err)
		return rec
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().
					Str("tool", name).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Tool panicked")
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.Run(timeoutCtx, input)
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			rec.Error = res.err.Error()
			tracing.RecordError(span, res.err)
			return rec
		}
		rec.Output = res.out
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			rec.Error = fmt.Sprintf("tool execution cancelled: %v", ctx.Err())
		} else {
			rec.Error = fmt.Sprintf("tool execution timeout after %v", d.timeout)
		}
		tracing.RecordError(span, timeoutCtx.Err())
	}
	return rec
}
