package agent

import (
	"errors"

	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/quota"
	"github.com/harun/parley/pkg/tools"
)

var (
	// ErrCancelled is reported for runs whose connection cancelled them.
	ErrCancelled = errors.New("request cancelled")
	// ErrBudgetExhausted is reported when routing already spent the run's token budget.
	ErrBudgetExhausted = errors.New("token budget exhausted")
	errInternal        = errors.New("internal error")
)

// Sink receives incremental output of a streamed run.
type Sink interface {
	Delta(requestID, delta string)
	ToolUpdate(tool, status string)
}

// ExecutionContext carries the identity and limits of one run.
type ExecutionContext struct {
	TenantID  string
	UserID    string
	SessionID string
	RequestID string
	// TokenBudget caps the tokens a single run may spend. Zero means the
	// generation client's default max tokens.
	TokenBudget int64
	TokensUsed  int64
	// Stream selects streamed generation. Deltas go to Sink.
	Stream bool
	// Sink receives tool progress, and deltas when Stream is set. May be nil.
	Sink      Sink
	Cancelled func() bool
}

func (ec ExecutionContext) cancelled() bool {
	return ec.Cancelled != nil && ec.Cancelled()
}

func (ec ExecutionContext) streaming() bool {
	return ec.Stream && ec.Sink != nil
}

func (ec ExecutionContext) toolUpdate(tool, status string) {
	if ec.Sink != nil {
		ec.Sink.ToolUpdate(tool, status)
	}
}

// Output types.
const (
	OutputAnswer = "answer"
	OutputAction = "action"
	OutputNoData = "no_data"
)

// Metric is a headline figure derived from tool results.
type Metric struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Table is a small tabular view of tool results.
type Table struct {
	Title   string     `json:"title,omitempty"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Output is the structured reply of a run.
type Output struct {
	Type       string   `json:"type"`
	Summary    string   `json:"summary"`
	Confidence float64  `json:"confidence"`
	Metrics    []Metric `json:"metrics,omitempty"`
	Table      *Table   `json:"table,omitempty"`
}

// payload converts o to the execution log representation.
func (o *Output) payload() map[string]any {
	if o == nil {
		return nil
	}
	p := map[string]any{
		"type":       o.Type,
		"summary":    o.Summary,
		"confidence": o.Confidence,
	}
	if len(o.Metrics) > 0 {
		p["metrics"] = o.Metrics
	}
	if o.Table != nil {
		p["table"] = o.Table
	}
	return p
}

// Result is the outcome of a run. Exactly one of Output and Err is set,
// except for cancelled runs which carry ErrCancelled and no output.
type Result struct {
	RequestID string
	SessionID string
	Agent     string
	Output    *Output
	Err       error
	Usage     llm.Usage
	ToolCalls []tools.CallRecord
}

// Cancelled reports whether the run was cancelled.
func (r Result) Cancelled() bool {
	return errors.Is(r.Err, ErrCancelled)
}

// UserMessage returns the text shown to the user for a failed run.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "Request cancelled"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "Your organization has reached its usage limit for this period. Please try again later."
	case errors.Is(err, ErrBudgetExhausted):
		return "This request needs more tokens than allowed. Please try a shorter question."
	default:
		return "Sorry, something went wrong while processing your request. Please try again."
	}
}
