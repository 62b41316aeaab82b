package observability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ToolCall is the log view of one tool invocation.
type ToolCall struct {
	Name       string         `json:"name"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// ExecutionLog is the write-once record of a single run loop invocation.
type ExecutionLog struct {
	TenantID    string         `json:"tenant_id"`
	UserID      string         `json:"user_id"`
	SessionID   string         `json:"session_id"`
	RequestID   string         `json:"request_id"`
	Agent       string         `json:"agent"`
	Provider    string         `json:"provider,omitempty"`
	Model       string         `json:"model,omitempty"`
	Input       string         `json:"input"`
	Output      map[string]any `json:"output,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	Error       string         `json:"error,omitempty"`
	Cancelled   bool           `json:"cancelled,omitempty"`
	TokensIn    int64          `json:"tokens_in"`
	TokensOut   int64          `json:"tokens_out"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMs  int64          `json:"duration_ms"`
	TraceID     string         `json:"trace_id,omitempty"`
}

// Sink persists execution logs.
type Sink interface {
	RecordExecution(ctx context.Context, entry ExecutionLog) error
}

// LogSink writes execution logs as structured zerolog lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// RecordExecution implements Sink.
func (s *LogSink) RecordExecution(_ context.Context, entry ExecutionLog) error {
	evt := s.logger.Info()
	if entry.Error != "" {
		evt = s.logger.Warn().Str("error", entry.Error)
	}

	tools := make([]string, 0, len(entry.ToolCalls))
	for _, tc := range entry.ToolCalls {
		tools = append(tools, tc.Name)
	}

	evt.Str("tenant_id", entry.TenantID).
		Str("user_id", entry.UserID).
		Str("session_id", entry.SessionID).
		Str("request_id", entry.RequestID).
		Str("agent", entry.Agent).
		Str("provider", entry.Provider).
		Str("model", entry.Model).
		Strs("tools", tools).
		Bool("cancelled", entry.Cancelled).
		Int64("tokens_in", entry.TokensIn).
		Int64("tokens_out", entry.TokensOut).
		Int64("duration_ms", entry.DurationMs).
		Str("trace_id", entry.TraceID).
		Msg("execution")
	return nil
}

// Recorder fans execution logs out to sinks on a background goroutine.
// Record never blocks: when the buffer is full the entry is dropped.
type Recorder struct {
	sinks   []Sink
	entries chan recorded
	logger  zerolog.Logger
	wg      sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type recorded struct {
	ctx   context.Context
	entry ExecutionLog
}

// NewRecorder starts a recorder with the given buffer size.
func NewRecorder(logger zerolog.Logger, buffer int, sinks ...Sink) *Recorder {
	EnsureRegistered()

	if buffer <= 0 {
		buffer = 256
	}

	r := &Recorder{
		sinks:   sinks,
		entries: make(chan recorded, buffer),
		logger:  logger,
	}

	r.wg.Add(1)
	go r.loop()

	return r
}

// Record enqueues an entry. The span on ctx, if any, receives an event.
func (r *Recorder) Record(ctx context.Context, entry ExecutionLog) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent("execution.logged", trace.WithAttributes(
			attribute.String("agent", entry.Agent),
			attribute.Bool("cancelled", entry.Cancelled),
			attribute.Bool("failed", entry.Error != ""),
		))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.entries <- recorded{ctx: context.WithoutCancel(ctx), entry: entry}:
	default:
		RecordExecutionLogDropped()
		r.logger.Warn().Str("request_id", entry.RequestID).Msg("Execution log buffer full, entry dropped")
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()

	for rec := range r.entries {
		for _, sink := range r.sinks {
			if err := sink.RecordExecution(rec.ctx, rec.entry); err != nil {
				r.logger.Error().Err(err).Str("request_id", rec.entry.RequestID).Msg("Execution log sink failed")
			}
		}
	}
}

// Close stops accepting entries and drains the buffer.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.entries)
		r.mu.Unlock()
	})
	r.wg.Wait()
}
