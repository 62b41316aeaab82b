package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/confirm"
	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/quota"
	"github.com/harun/parley/pkg/routing"
	"github.com/harun/parley/pkg/session"
	"github.com/harun/parley/pkg/tools"
)

// agentConfirm labels runs answered by the confirmation state machine.
const agentConfirm = "confirm"

// Generator is the generation client the runner drives. *llm.Client
// satisfies it.
type Generator interface {
	Invoke(ctx context.Context, req llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req llm.Request, out chan<- string) (*llm.Response, error)
}

// Config holds runner configuration
type Config struct {
	Store      session.Store
	Tracker    *quota.Tracker
	Client     Generator
	Classifier *routing.Classifier
	Selector   *routing.Selector
	Dispatcher *tools.Dispatcher
	Confirm    *confirm.Machine
	Registry   *tools.Registry
	Queue      *commandqueue.CommandQueue
	// Recorder is optional; without it execution logs only reach metrics.
	Recorder *observability.Recorder
	// Profiles defaults to DefaultProfiles.
	Profiles map[string]Profile
	// TokenBudget is the per-run budget used when the execution context
	// sets none. Defaults to 4096.
	TokenBudget int64
	// MaxTokens caps generated tokens. Defaults to 1024.
	MaxTokens int
	// HistorySize is the number of recent messages sent to generation.
	// Defaults to 10.
	HistorySize int
	// CancelPoll is how often an in-flight generation checks for
	// cancellation. Defaults to 50ms.
	CancelPoll time.Duration
	Logger     zerolog.Logger
}

// Runner executes conversational turns.
type Runner struct {
	store       session.Store
	tracker     *quota.Tracker
	client      Generator
	classifier  *routing.Classifier
	selector    *routing.Selector
	dispatcher  *tools.Dispatcher
	confirm     *confirm.Machine
	registry    *tools.Registry
	queue       *commandqueue.CommandQueue
	recorder    *observability.Recorder
	profiles    map[string]Profile
	tokenBudget int64
	maxTokens   int
	historySize int
	cancelPoll  time.Duration
	logger      zerolog.Logger
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("session store is required")
	case cfg.Tracker == nil:
		return nil, fmt.Errorf("quota tracker is required")
	case cfg.Client == nil:
		return nil, fmt.Errorf("generation client is required")
	case cfg.Classifier == nil:
		return nil, fmt.Errorf("classifier is required")
	case cfg.Selector == nil:
		return nil, fmt.Errorf("tool selector is required")
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("tool dispatcher is required")
	case cfg.Confirm == nil:
		return nil, fmt.Errorf("confirmation machine is required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("tool registry is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("command queue is required")
	}

	if cfg.Profiles == nil {
		cfg.Profiles = DefaultProfiles()
	}
	if _, ok := cfg.Profiles[routing.AgentGeneral]; !ok {
		return nil, fmt.Errorf("profile %s is required", routing.AgentGeneral)
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 4096
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = 50 * time.Millisecond
	}

	return &Runner{
		store:       cfg.Store,
		tracker:     cfg.Tracker,
		client:      cfg.Client,
		classifier:  cfg.Classifier,
		selector:    cfg.Selector,
		dispatcher:  cfg.Dispatcher,
		confirm:     cfg.Confirm,
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		recorder:    cfg.Recorder,
		profiles:    cfg.Profiles,
		tokenBudget: cfg.TokenBudget,
		maxTokens:   cfg.MaxTokens,
		historySize: cfg.HistorySize,
		cancelPoll:  cfg.CancelPoll,
		logger:      cfg.Logger.With().Str("component", "agent").Logger(),
	}, nil
}

// turn is the mutable state of one run, read by finish.
type turn struct {
	ec      ExecutionContext
	input   string
	started time.Time
	agent   string
	meter   *meter
	records []tools.CallRecord
	output  *Output
	err     error
}

// Run executes one turn on the session's lane. It never returns an error
// directly: failures, quota rejections and cancellations are reported in
// the Result, and every run is logged exactly once.
func (r *Runner) Run(ctx context.Context, ec ExecutionContext, input string) Result {
	started := time.Now()
	if ec.RequestID == "" {
		ec.RequestID = tracing.NewRequestID()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithRequestID(ctx, ec.RequestID)
	ctx = tracing.WithTenantID(ctx, ec.TenantID)
	ctx = tracing.WithUserID(ctx, ec.UserID)
	ctx = tracing.WithSessionID(ctx, ec.SessionID)

	ctx, span := tracing.StartSpan(ctx, "parley.agent", "agent.run",
		attribute.String("tenant_id", ec.TenantID),
		attribute.String("session_id", ec.SessionID),
		attribute.Bool("stream", ec.streaming()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	lane := commandqueue.SessionLane(ec.SessionID)
	value, err := r.queue.EnqueueWithContext(ctx, lane, func(taskCtx context.Context) (any, error) {
		return r.execute(taskCtx, ec, input, started), nil
	}, &commandqueue.TaskOptions{
		WarnAfter: 2 * time.Second,
		OnWait: func(wait time.Duration, pos int) {
			logger.Warn().Dur("wait", wait).Int("position", pos).Msg("Run waiting behind earlier turns of the session")
		},
	})
	if err != nil {
		// The task never ran, so it is logged here.
		t := &turn{ec: ec, input: input, started: started, agent: routing.AgentGeneral, meter: &meter{}, err: err}
		if ctx.Err() != nil || ec.cancelled() {
			t.err = ErrCancelled
		} else {
			logger.Error().Err(err).Msg("Run failed before execution")
			tracing.RecordError(span, err)
		}
		return r.finish(ctx, t)
	}

	res := value.(Result)
	if res.Err != nil && !res.Cancelled() {
		tracing.RecordError(span, res.Err)
	}
	span.SetAttributes(attribute.String("agent", res.Agent))
	return res
}

func (r *Runner) execute(ctx context.Context, ec ExecutionContext, input string, started time.Time) (res Result) {
	ctx, m := withMeter(ctx)
	t := &turn{ec: ec, input: input, started: started, agent: routing.AgentGeneral, meter: m}

	defer func() {
		if rec := recover(); rec != nil {
			logger := tracing.LoggerFromContext(ctx, r.logger)
			logger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Run panicked")
			t.output = nil
			t.err = fmt.Errorf("%w: %v", errInternal, rec)
		}
		res = r.finish(ctx, t)
	}()

	t.output, t.err = r.process(ctx, t)
	return res
}

func (r *Runner) process(ctx context.Context, t *turn) (*Output, error) {
	ec := t.ec
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if ec.cancelled() {
		return nil, ErrCancelled
	}

	budget := r.budget(ec)
	hold, err := r.tracker.Reserve(ctx, ec.TenantID, budget)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			observability.RecordQuotaRejected()
			logger.Warn().Err(err).Msg("Quota exceeded, run rejected")
			return nil, err
		}
		return nil, fmt.Errorf("failed to check quota: %w", err)
	}
	defer hold.Release()
	t.meter.reserve(hold)

	sess, err := r.store.GetSession(ctx, ec.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !sess.OwnedBy(ec.TenantID, ec.UserID) {
		return nil, fmt.Errorf("session %s does not belong to the caller", ec.SessionID)
	}

	outcome, err := r.confirm.Resolve(ctx, ec.SessionID, t.input)
	if err != nil {
		return nil, err
	}
	if outcome.Handled {
		t.agent = agentConfirm
		userText := outcome.UserText
		if userText == "" {
			userText = t.input
		}
		if err := r.appendMessage(ctx, ec, llm.RoleUser, userText, nil); err != nil {
			return nil, err
		}
		return r.actionReply(ctx, ec, outcome, agentConfirm), nil
	}

	if err := r.appendMessage(ctx, ec, llm.RoleUser, t.input, nil); err != nil {
		return nil, err
	}
	if sess.MessageCount == 0 {
		if err := r.store.UpdateTitle(ctx, ec.SessionID, session.MakeTitle(t.input)); err != nil {
			logger.Warn().Err(err).Msg("Failed to set session title")
		}
	}

	ec.toolUpdate("router", "classifying intent")
	cls := r.classifier.Classify(ctx, t.input)
	profile := r.profile(cls.Agent)
	t.agent = profile.Name
	logger.Info().
		Str("intent", string(cls.Intent)).
		Str("agent", profile.Name).
		Float64("confidence", cls.Confidence).
		Str("source", string(cls.Source)).
		Msg("Message routed")

	var results map[string]any
	var selected []string
	if len(profile.Tools) > 0 {
		available := r.registry.Subset(profile.Tools...)
		if available.Len() > 0 {
			if ec.cancelled() {
				return nil, ErrCancelled
			}
			selected = r.selector.SelectTools(ctx, t.input, available.Describe(), profile.Fallback)

			if action, ok := firstAction(available, selected); ok {
				params := r.selector.ExtractParams(ctx, action, t.input)
				if ec.cancelled() {
					return nil, ErrCancelled
				}
				outcome, err := r.confirm.Propose(ctx, ec.SessionID, action, params)
				if err != nil {
					return nil, err
				}
				return r.actionReply(ctx, ec, outcome, profile.Name), nil
			}

			if ec.cancelled() {
				return nil, ErrCancelled
			}
			results, t.records = r.dispatcher.Execute(ctx, available, selected, queryArgs(profile, t.input),
				tools.WithProgress(ec.toolUpdate))

			if len(selected) > 0 && tools.IsEmptyResult(results) {
				logger.Info().Strs("tools", selected).Msg("Tools returned no data")
				out := noDataOutput()
				r.appendAssistant(ctx, ec, out, profile.Name)
				return out, nil
			}
		}
	}

	if ec.cancelled() {
		return nil, ErrCancelled
	}

	req, err := r.buildRequest(ctx, t, profile, results)
	if err != nil {
		return nil, err
	}

	text, err := r.generate(ctx, ec, req)
	if ec.cancelled() || errors.Is(err, context.Canceled) {
		return nil, ErrCancelled
	}
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	out := formatOutput(profile, text, results)
	r.appendAssistant(ctx, ec, out, profile.Name)
	return out, nil
}

func (r *Runner) budget(ec ExecutionContext) int64 {
	if ec.TokenBudget > 0 {
		return ec.TokenBudget
	}
	return r.tokenBudget
}

func (r *Runner) profile(name string) Profile {
	if p, ok := r.profiles[name]; ok {
		return p
	}
	return r.profiles[routing.AgentGeneral]
}

// firstAction returns the first selected action tool. Only one action is
// proposed per turn.
func firstAction(available *tools.Registry, selected []string) (tools.Actionable, bool) {
	for _, name := range selected {
		if action, ok := available.Actionable(name); ok {
			return action, true
		}
	}
	return nil, false
}

func (r *Runner) actionReply(ctx context.Context, ec ExecutionContext, outcome confirm.Outcome, agent string) *Output {
	out := &Output{Type: OutputAction, Summary: outcome.Summary, Confidence: outcome.Confidence}
	r.appendAssistant(ctx, ec, out, agent)
	return out
}

func (r *Runner) buildRequest(ctx context.Context, t *turn, profile Profile, results map[string]any) (llm.Request, error) {
	history, err := r.store.RecentMessages(ctx, t.ec.SessionID, r.historySize)
	if err != nil {
		return llm.Request{}, fmt.Errorf("failed to load history: %w", err)
	}

	messages := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	// The stored turn is the raw input; the model also gets the data.
	prompt := userPrompt(t.input, results, profile.Name == routing.AgentAnalytics && wantsAdvice(t.input))
	if n := len(messages); n > 0 && messages[n-1].Role == llm.RoleUser {
		messages[n-1].Content = prompt
	} else {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	}

	req := llm.Request{System: profile.System, Messages: messages}

	remaining := r.budget(t.ec) - t.ec.TokensUsed - t.meter.snapshot().Total()
	if remaining <= 0 {
		return llm.Request{}, ErrBudgetExhausted
	}
	if remaining < int64(r.maxTokens) {
		req.MaxTokens = int(remaining)
	} else {
		req.MaxTokens = r.maxTokens
	}
	return req, nil
}

func userPrompt(input string, results map[string]any, advice bool) string {
	if len(results) == 0 {
		return input
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return input
	}

	var b strings.Builder
	b.WriteString("Business data:\n")
	b.Write(data)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(input)
	if advice {
		b.WriteString("\n\nGive two or three concrete, prioritized recommendations grounded in the data.")
	}
	return b.String()
}

// generate runs the model call, streaming when the run asked for it. Usage is
// recorded even when the call fails part way.
func (r *Runner) generate(ctx context.Context, ec ExecutionContext, req llm.Request) (string, error) {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := r.watchCancel(genCtx, ec, cancel)
	defer stop()

	var resp *llm.Response
	var err error
	if !ec.streaming() {
		resp, err = r.client.Invoke(genCtx, req)
	} else {
		resp, err = r.stream(genCtx, ec, req, cancel)
	}

	if resp != nil {
		account(ctx, r.tracker, ec.TenantID, ec.UserID, resp.Usage, r.logger)
	}
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (r *Runner) stream(ctx context.Context, ec ExecutionContext, req llm.Request, cancel context.CancelFunc) (*llm.Response, error) {
	type streamed struct {
		resp *llm.Response
		err  error
	}

	out := make(chan string, 32)
	done := make(chan streamed, 1)
	go func() {
		resp, err := r.client.Stream(ctx, req, out)
		done <- streamed{resp: resp, err: err}
	}()

	for delta := range out {
		if ec.cancelled() {
			cancel()
			continue
		}
		ec.Sink.Delta(ec.RequestID, delta)
	}

	s := <-done
	return s.resp, s.err
}

// watchCancel cancels the generation once the connection is cancelled,
// even while the provider sends nothing.
func (r *Runner) watchCancel(ctx context.Context, ec ExecutionContext, cancel context.CancelFunc) func() {
	if ec.Cancelled == nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ec.cancelled() {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (r *Runner) appendMessage(ctx context.Context, ec ExecutionContext, role, content string, metadata map[string]any) error {
	err := r.store.AppendMessage(ctx, ec.SessionID, session.Message{
		Role:     role,
		Content:  content,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to save %s message: %w", role, err)
	}
	return nil
}

// appendAssistant stores the reply. The user already has it, so a failure
// is only logged.
func (r *Runner) appendAssistant(ctx context.Context, ec ExecutionContext, out *Output, agent string) {
	if ec.cancelled() || strings.TrimSpace(out.Summary) == "" {
		return
	}
	err := r.appendMessage(ctx, ec, llm.RoleAssistant, out.Summary, map[string]any{
		"agent":      agent,
		"request_id": ec.RequestID,
		"type":       out.Type,
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Error().Err(err).Msg("Failed to persist assistant message")
	}
}

// finish emits the execution log and run metrics and builds the Result.
func (r *Runner) finish(ctx context.Context, t *turn) Result {
	completed := time.Now()
	usage := t.meter.snapshot()
	cancelled := errors.Is(t.err, ErrCancelled)
	if cancelled {
		t.output = nil
	}

	entry := observability.ExecutionLog{
		TenantID:    t.ec.TenantID,
		UserID:      t.ec.UserID,
		SessionID:   t.ec.SessionID,
		RequestID:   t.ec.RequestID,
		Agent:       t.agent,
		Provider:    usage.Provider,
		Model:       usage.Model,
		Input:       t.input,
		Output:      t.output.payload(),
		ToolCalls:   toolCalls(t.records),
		Cancelled:   cancelled,
		TokensIn:    usage.InputTokens,
		TokensOut:   usage.OutputTokens,
		StartedAt:   t.started.UTC(),
		CompletedAt: completed.UTC(),
		DurationMs:  completed.Sub(t.started).Milliseconds(),
	}
	if t.err != nil && !cancelled {
		entry.Error = t.err.Error()
	}
	if r.recorder != nil {
		r.recorder.Record(ctx, entry)
	}

	outcome := "success"
	switch {
	case cancelled:
		outcome = "cancelled"
	case errors.Is(t.err, quota.ErrQuotaExceeded):
		outcome = "quota_exceeded"
	case t.err != nil:
		outcome = "error"
	}
	observability.RecordRun(t.agent, outcome, completed.Sub(t.started))

	logger := tracing.LoggerFromContext(ctx, r.logger)
	event := logger.Info()
	if outcome == "error" {
		event = logger.Error().Err(t.err)
	}
	event.
		Str("agent", t.agent).
		Str("outcome", outcome).
		Int64("tokens", usage.Total()).
		Int("tool_calls", len(t.records)).
		Dur("duration", completed.Sub(t.started)).
		Msg("Run finished")

	return Result{
		RequestID: t.ec.RequestID,
		SessionID: t.ec.SessionID,
		Agent:     t.agent,
		Output:    t.output,
		Err:       t.err,
		Usage:     usage,
		ToolCalls: t.records,
	}
}

func toolCalls(records []tools.CallRecord) []observability.ToolCall {
	if len(records) == 0 {
		return nil
	}
	calls := make([]observability.ToolCall, 0, len(records))
	for _, rec := range records {
		calls = append(calls, observability.ToolCall{
			Name:       rec.Name,
			Input:      rec.Input,
			Output:     rec.Output,
			Error:      rec.Error,
			DurationMs: rec.Duration.Milliseconds(),
		})
	}
	return calls
}
