package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/tools"
)

// ErrMalformedOutput reports model output that does not have the expected
// structure.
var ErrMalformedOutput = errors.New("malformed selection output")

// MaxSelectedTools caps how many tools one message may run.
const MaxSelectedTools = 4

const selectionSystem = "You are a tool selection assistant. Return only a JSON array of tool names."

const selectionPrompt = `You are a tool selector for a business agent. Given the user's question and a list of available tools, select which tools should be run to answer the question.

Return a JSON list of tool names that should be executed. Select 1-%d tools maximum.
Only select tools that are directly relevant to the user's question.
If the question is about advice or strategy, select tools that would provide the data needed to give good advice.

Available tools:
%s

User question: %s

Return ONLY a JSON array of tool name strings, nothing else. Example: ["tool_name_1", "tool_name_2"]`

const paramsSystem = "You extract structured parameters. Return only a JSON object."

const paramsPrompt = `Extract the following parameters from the user's message. Return a JSON object with the extracted values. If a value isn't mentioned, omit it from the JSON.

Required fields:
%s

User message: %s

Return ONLY a JSON object, nothing else.`

// stripFences removes a surrounding markdown code fence.
func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	if i := strings.LastIndex(text, "```"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// ParseToolSelection parses a JSON array of tool names. Duplicates and blanks
// are dropped and the result is capped at MaxSelectedTools. An empty array is
// malformed.
func ParseToolSelection(raw string) ([]string, error) {
	var names []string
	if err := json.Unmarshal([]byte(stripFences(raw)), &names); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		if len(out) == MaxSelectedTools {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no tools selected", ErrMalformedOutput)
	}
	return out, nil
}

// ParseParams parses a JSON object of action parameters. Null values are
// treated as not mentioned.
func ParseParams(raw string) (map[string]any, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(stripFences(raw)), &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if params == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedOutput)
	}
	for k, v := range params {
		if v == nil {
			delete(params, k)
		}
	}
	return params, nil
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	// Model is optional; without it fallbacks are always used.
	Model   Generator
	OnUsage UsageFunc
	Logger  zerolog.Logger
}

// Selector picks tools and extracts action parameters.
type Selector struct {
	model   Generator
	onUsage UsageFunc
	logger  zerolog.Logger
}

// NewSelector creates a Selector.
func NewSelector(cfg SelectorConfig) *Selector {
	return &Selector{
		model:   cfg.Model,
		onUsage: cfg.OnUsage,
		logger:  cfg.Logger.With().Str("component", "tool_selector").Logger(),
	}
}

// SelectTools asks the model which of the available tools answer text. On
// any failure it returns fallback.
func (s *Selector) SelectTools(ctx context.Context, text string, available []tools.Descriptor, fallback []string) []string {
	ctx, span := tracing.StartSpan(ctx, "parley.routing", "Selector.SelectTools",
		attribute.Int("available", len(available)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if s.model == nil || len(available) == 0 {
		return fallback
	}

	resp, err := s.model.Invoke(ctx, llm.Request{
		System:    selectionSystem,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(selectionPrompt, MaxSelectedTools, describeTools(available), text)}},
		MaxTokens: 200,
	})
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Strs("fallback", fallback).Msg("Tool selection failed, using defaults")
		return fallback
	}
	s.usage(ctx, resp.Usage)

	selected, err := ParseToolSelection(resp.Text)
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Strs("fallback", fallback).Msg("Tool selection unparseable, using defaults")
		return fallback
	}

	logger.Info().Strs("tools", selected).Msg("Tools selected")
	return selected
}

// ExtractParams asks the model for the action's required fields. Actions
// without required fields skip the call. Failures return an empty map so the
// action reports missing data itself.
func (s *Selector) ExtractParams(ctx context.Context, action tools.Actionable, text string) map[string]any {
	required := action.RequiredFields()
	if len(required) == 0 || s.model == nil {
		return map[string]any{}
	}

	ctx, span := tracing.StartSpan(ctx, "parley.routing", "Selector.ExtractParams",
		attribute.String("action", action.Name()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	descriptions := action.FieldDescriptions()
	var fields strings.Builder
	for _, f := range required {
		desc := descriptions[f]
		if desc == "" {
			desc = "required"
		}
		fmt.Fprintf(&fields, "- %s: %s\n", f, desc)
	}

	resp, err := s.model.Invoke(ctx, llm.Request{
		System:    paramsSystem,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(paramsPrompt, strings.TrimRight(fields.String(), "\n"), text)}},
		MaxTokens: 200,
	})
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Str("action", action.Name()).Msg("Parameter extraction failed")
		return map[string]any{}
	}
	s.usage(ctx, resp.Usage)

	params, err := ParseParams(resp.Text)
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Str("action", action.Name()).Msg("Parameter extraction unparseable")
		return map[string]any{}
	}
	return params
}

func (s *Selector) usage(ctx context.Context, u llm.Usage) {
	if s.onUsage != nil && u.Total() > 0 {
		s.onUsage(ctx, u)
	}
}

func describeTools(available []tools.Descriptor) string {
	sorted := append([]tools.Descriptor(nil), available...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, d := range sorted {
		fmt.Fprintf(&b, "- %s: %s", d.Name, d.Description)
		if d.Kind == tools.KindAction {
			b.WriteString(" (action, requires confirmation)")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
