// Package confirm drives state-mutating actions through
// propose, await confirmation, then commit or cancel.
//
// A session holds at most one pending action. The next turn on that session
// is resolved against a fixed confirm and cancel vocabulary before any new
// routing happens. The Machine is not safe for concurrent use on the same
// session; callers serialize per session.
package confirm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/session"
	"github.com/harun/parley/pkg/tools"
)

// State is the confirmation state after a transition.
type State string

const (
	StateNone        State = "NONE"
	StateProposed    State = "PROPOSED"
	StateConfirmed   State = "CONFIRMED"
	StateCancelled   State = "CANCELLED"
	StateSuperseded  State = "SUPERSEDED"
	StateMissingData State = "MISSING_DATA"
)

const (
	msgCancelled      = "Got it, I've cancelled that action. What else can I help you with?"
	msgVanished       = "I couldn't find that action anymore. Please try again."
	msgDefaultDone    = "Action completed successfully."
	msgNeedDetails    = "I need some more details to proceed."
	msgPleaseConfirm  = "Please confirm this action (yes/no)."
	msgActionCanceled = "Action cancelled."
)

var confirmWords = map[string]struct{}{
	"yes": {}, "yeah": {}, "yep": {}, "sure": {}, "confirm": {}, "ok": {}, "okay": {},
	"proceed": {}, "do it": {}, "go ahead": {}, "y": {},
}

var cancelWords = map[string]struct{}{
	"no": {}, "nope": {}, "cancel": {}, "stop": {}, "never mind": {}, "nevermind": {}, "n": {},
}

// Outcome is the result of a transition.
type Outcome struct {
	State State
	// Handled is true when Summary is the reply for this turn. When false the
	// caller continues with normal routing.
	Handled    bool
	Summary    string
	Confidence float64
	Action     string
	// Success reports whether a committed action succeeded.
	Success bool
	// UserText overrides how the turn is recorded in history. Empty means the
	// raw input.
	UserText string
	Data     map[string]any
}

// Config configures a Machine.
type Config struct {
	Store    session.Store
	Registry *tools.Registry
	Logger   zerolog.Logger
}

// Machine is the per-session action confirmation state machine.
type Machine struct {
	store    session.Store
	registry *tools.Registry
	logger   zerolog.Logger
}

// New creates a Machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	return &Machine{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   cfg.Logger.With().Str("component", "confirm").Logger(),
	}, nil
}

// Normalize trims and lowercases a reply.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// IsConfirm reports whether text is an affirmative reply.
func IsConfirm(text string) bool {
	_, ok := confirmWords[Normalize(text)]
	return ok
}

// IsCancel reports whether text is a negative reply.
func IsCancel(text string) bool {
	_, ok := cancelWords[Normalize(text)]
	return ok
}

// Resolve interprets text against the session's pending action, if any.
func (m *Machine) Resolve(ctx context.Context, sessionID, text string) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "parley.confirm", "Machine.Resolve", attribute.String("session_id", sessionID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	pending, err := m.store.GetPendingAction(ctx, sessionID)
	if err != nil {
		tracing.RecordError(span, err)
		return Outcome{}, fmt.Errorf("failed to load pending action: %w", err)
	}
	if pending == nil {
		return Outcome{State: StateNone}, nil
	}
	span.SetAttributes(attribute.String("action", pending.ActionType))

	switch {
	case IsConfirm(text):
		return m.commit(ctx, sessionID, pending)

	case IsCancel(text):
		if err := m.store.ClearPendingAction(ctx, sessionID); err != nil {
			tracing.RecordError(span, err)
			return Outcome{}, fmt.Errorf("failed to clear pending action: %w", err)
		}
		logger.Info().Str("action", pending.ActionType).Msg("Pending action cancelled")
		return Outcome{
			State:      StateCancelled,
			Handled:    true,
			Summary:    msgCancelled,
			Confidence: 0.95,
			Action:     pending.ActionType,
			UserText:   text,
		}, nil

	default:
		if err := m.store.ClearPendingAction(ctx, sessionID); err != nil {
			tracing.RecordError(span, err)
			return Outcome{}, fmt.Errorf("failed to clear pending action: %w", err)
		}
		logger.Info().Str("action", pending.ActionType).Msg("Pending action superseded by new request")
		return Outcome{State: StateSuperseded, Action: pending.ActionType}, nil
	}
}

func (m *Machine) commit(ctx context.Context, sessionID string, pending *session.PendingAction) (Outcome, error) {
	logger := tracing.LoggerFromContext(ctx, m.logger)

	action, ok := m.registry.Actionable(pending.ActionType)
	if !ok {
		if err := m.store.ClearPendingAction(ctx, sessionID); err != nil {
			return Outcome{}, fmt.Errorf("failed to clear pending action: %w", err)
		}
		logger.Warn().Str("action", pending.ActionType).Msg("Pending action no longer registered")
		return Outcome{
			State:      StateConfirmed,
			Handled:    true,
			Summary:    msgVanished,
			Confidence: 0.5,
			Action:     pending.ActionType,
			UserText:   "yes",
		}, nil
	}

	start := time.Now()
	result := runAction(ctx, action, true, pending.Params)

	// Cleared regardless of the result so the action cannot run twice.
	if err := m.store.ClearPendingAction(ctx, sessionID); err != nil {
		return Outcome{}, fmt.Errorf("failed to clear pending action: %w", err)
	}

	out := Outcome{
		State:      StateConfirmed,
		Handled:    true,
		Confidence: 0.9,
		Action:     pending.ActionType,
		Success:    result.Success,
		UserText:   "yes",
		Data:       result.Data,
	}
	if result.Success {
		out.Summary = doneSummary(result)
		logger.Info().Str("action", pending.ActionType).Dur("duration", time.Since(start)).Msg("Action committed")
	} else {
		out.Summary = "Something went wrong: " + result.Error
		logger.Warn().Str("action", pending.ActionType).Str("error", result.Error).Msg("Action failed")
	}
	return out, nil
}

// Propose runs action unconfirmed and moves the session to the resulting
// state. args are stored verbatim as the pending parameters.
func (m *Machine) Propose(ctx context.Context, sessionID string, action tools.Actionable, args map[string]any) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "parley.confirm", "Machine.Propose",
		attribute.String("session_id", sessionID),
		attribute.String("action", action.Name()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if args == nil {
		args = map[string]any{}
	}
	result := runAction(ctx, action, false, args)
	out := Outcome{Handled: true, Action: action.Name(), Data: result.Data}

	switch result.Status {
	case tools.StatusMissingData:
		out.State = StateMissingData
		out.Confidence = 0.8
		out.Summary = msgNeedDetails
		if prompt, ok := result.Data["prompt"].(string); ok && prompt != "" {
			out.Summary = prompt
		}

	case tools.StatusPendingConfirmation:
		err := m.store.SetPendingAction(ctx, sessionID, session.PendingAction{
			ActionType: action.Name(),
			Params:     args,
			Preview:    result.Preview,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			tracing.RecordError(span, err)
			return Outcome{}, fmt.Errorf("failed to store pending action: %w", err)
		}
		out.State = StateProposed
		out.Confidence = 0.9
		out.Summary = result.ConfirmationMessage
		if out.Summary == "" {
			out.Summary = msgPleaseConfirm
		}
		logger.Info().Str("action", action.Name()).Msg("Action proposed, awaiting confirmation")

	case tools.StatusCancelled:
		out.State = StateCancelled
		out.Confidence = 0.8
		out.Summary = result.Error
		if out.Summary == "" {
			out.Summary = msgActionCanceled
		}

	default:
		out.State = StateConfirmed
		out.Confidence = 0.9
		out.Success = result.Success
		if result.Success {
			out.Summary = doneSummary(result)
		} else {
			out.Summary = "Something went wrong: " + result.Error
		}
	}

	span.SetAttributes(attribute.String("state", string(out.State)))
	return out, nil
}

func doneSummary(result tools.ActionResult) string {
	msg := msgDefaultDone
	if s, ok := result.Data["message"].(string); ok && s != "" {
		msg = s
	}
	return fmt.Sprintf("Done! %s Is there anything else you'd like me to do?", msg)
}

// runAction invokes the action, turning a panic into a failed result.
func runAction(ctx context.Context, action tools.Actionable, confirmed bool, args map[string]any) (result tools.ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = tools.ActionResult{
				Status: tools.StatusOK,
				Error:  fmt.Sprintf("action panicked: %v", r),
			}
			if !confirmed {
				result.Status = tools.StatusCancelled
			}
		}
	}()
	return action.RunAction(ctx, confirmed, args)
}
