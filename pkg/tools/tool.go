// Package tools defines the tool capabilities the run loop can execute and
// the dispatcher that invokes them.
package tools

import (
	"context"
	"time"
)

// Tool is the common surface of every registered tool.
type Tool interface {
	Name() string
	Description() string
}

// Queryable is a read-only tool.
type Queryable interface {
	Tool
	Run(ctx context.Context, args map[string]any) (any, error)
}

// Actionable is a state-mutating tool that runs through the confirmation
// workflow. RunAction with confirmed=false validates and previews; with
// confirmed=true it performs the mutation.
type Actionable interface {
	Tool
	RequiredFields() []string
	FieldDescriptions() map[string]string
	RunAction(ctx context.Context, confirmed bool, args map[string]any) ActionResult
}

// Parameterized tools declare their arguments. The registry derives a JSON
// schema from them and the dispatcher validates arguments before running.
type Parameterized interface {
	Parameters() []Parameter
}

// Parameter describes one tool argument.
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required,omitempty" yaml:"required"`
	Default     any    `json:"default,omitempty" yaml:"default"`
}

// ActionStatus is the outcome class of an action run.
type ActionStatus string

const (
	StatusOK                  ActionStatus = "OK"
	StatusMissingData         ActionStatus = "MISSING_DATA"
	StatusPendingConfirmation ActionStatus = "PENDING_CONFIRMATION"
	StatusCancelled           ActionStatus = "CANCELLED"
)

// ActionResult is returned by Actionable.RunAction.
type ActionResult struct {
	Status ActionStatus `json:"status"`
	// Success is false when a confirmed run failed.
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	// Preview describes the pending mutation for PENDING_CONFIRMATION.
	Preview map[string]any `json:"preview,omitempty"`
	// ConfirmationMessage is shown to the user while confirmation is pending.
	ConfirmationMessage string `json:"confirmation_message,omitempty"`
	Error               string `json:"error,omitempty"`
}

// CallRecord is the trace of one tool invocation.
type CallRecord struct {
	Name     string         `json:"name"`
	Input    map[string]any `json:"input"`
	Output   any            `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Failed reports whether the invocation failed.
func (r CallRecord) Failed() bool {
	return r.Error != ""
}
