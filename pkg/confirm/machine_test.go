package confirm

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/pkg/session"
	"github.com/harun/parley/pkg/tools"
)

type fakeAction struct {
	name      string
	calls     []bool
	lastArgs  map[string]any
	result    func(confirmed bool, args map[string]any) tools.ActionResult
	panicWith any
}

func (a *fakeAction) Name() string { return a.name }
func (a *fakeAction) Description() string { return "test action" }
func (a *fakeAction) RequiredFields() []string { return []string{"sku"} }
func (a *fakeAction) FieldDescriptions() map[string]string { return map[string]string{"sku": "sku"} }

func (a *fakeAction) RunAction(_ context.Context, confirmed bool, args map[string]any) tools.ActionResult {
	a.calls = append(a.calls, confirmed)
	a.lastArgs = args
	if a.panicWith != nil {
		panic(a.panicWith)
	}
	return a.result(confirmed, args)
}

func pendingThenOK(confirmed bool, _ map[string]any) tools.ActionResult {
	if !confirmed {
		return tools.ActionResult{
			Status:              tools.StatusPendingConfirmation,
			Preview:             map[string]any{"sku": "SKU-1"},
			ConfirmationMessage: "Set SKU-1 to 5?",
		}
	}
	return tools.ActionResult{Status: tools.StatusOK, Success: true, Data: map[string]any{"message": "Stock updated."}}
}

type fixture struct {
	machine  *Machine
	store    *session.FileStore
	registry *tools.Registry
	action   *fakeAction
	session  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := session.NewFileStore(session.FileConfig{Dir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	action := &fakeAction{name: "update_stock", result: pendingThenOK}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(action))

	m, err := New(Config{Store: store, Registry: registry, Logger: zerolog.Nop()})
	require.NoError(t, err)

	sess, err := store.CreateSession(context.Background(), "acme", "alice")
	require.NoError(t, err)

	return &fixture{machine: m, store: store, registry: registry, action: action, session: sess.ID}
}

func (f *fixture) propose(t *testing.T) Outcome {
	t.Helper()
	out, err := f.machine.Propose(context.Background(), f.session, f.action, map[string]any{"sku": "SKU-1", "quantity": 5})
	require.NoError(t, err)
	return out
}

func (f *fixture) pending(t *testing.T) *session.PendingAction {
	t.Helper()
	p, err := f.store.GetPendingAction(context.Background(), f.session)
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestPropose(t *testing.T) {
	t.Run("should store the pending action and ask for confirmation", func(t *testing.T) {
		f := newFixture(t)
		out := f.propose(t)

		assert.Equal(t, StateProposed, out.State)
		assert.True(t, out.Handled)
		assert.Equal(t, "Set SKU-1 to 5?", out.Summary)
		assert.Equal(t, 0.9, out.Confidence)
		assert.Equal(t, []bool{false}, f.action.calls)

		p := f.pending(t)
		require.NotNil(t, p)
		assert.Equal(t, "update_stock", p.ActionType)
		assert.Equal(t, "SKU-1", p.Params["sku"])
		assert.Equal(t, "SKU-1", p.Preview["sku"])
	})

	t.Run("should use the default confirmation prompt", func(t *testing.T) {
		f := newFixture(t)
		f.action.result = func(bool, map[string]any) tools.ActionResult {
			return tools.ActionResult{Status: tools.StatusPendingConfirmation}
		}
		assert.Equal(t, "Please confirm this action (yes/no).", f.propose(t).Summary)
	})

	t.Run("should ask for missing data without a state change", func(t *testing.T) {
		f := newFixture(t)
		f.action.result = func(bool, map[string]any) tools.ActionResult {
			return tools.ActionResult{Status: tools.StatusMissingData, Data: map[string]any{"prompt": "Which SKU?"}}
		}

		out := f.propose(t)
		assert.Equal(t, StateMissingData, out.State)
		assert.Equal(t, "Which SKU?", out.Summary)
		assert.Equal(t, 0.8, out.Confidence)
		assert.Nil(t, f.pending(t))
	})

	t.Run("should fall back to the generic missing data prompt", func(t *testing.T) {
		f := newFixture(t)
		f.action.result = func(bool, map[string]any) tools.ActionResult {
			return tools.ActionResult{Status: tools.StatusMissingData}
		}
		assert.Equal(t, "I need some more details to proceed.", f.propose(t).Summary)
	})

	t.Run("should report a cancelled action", func(t *testing.T) {
		f := newFixture(t)
		f.action.result = func(bool, map[string]any) tools.ActionResult {
			return tools.ActionResult{Status: tools.StatusCancelled, Error: "Unknown SKU."}
		}

		out := f.propose(t)
		assert.Equal(t, StateCancelled, out.State)
		assert.Equal(t, "Unknown SKU.", out.Summary)
		assert.Nil(t, f.pending(t))
	})

	t.Run("should treat a panicking action as cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.action.panicWith = "boom"

		out := f.propose(t)
		assert.Equal(t, StateCancelled, out.State)
		assert.Contains(t, out.Summary, "boom")
		assert.Nil(t, f.pending(t))
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("should report NONE without a pending action", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.machine.Resolve(ctx, f.session, "yes")
		require.NoError(t, err)
		assert.Equal(t, StateNone, out.State)
		assert.False(t, out.Handled)
		assert.Empty(t, f.action.calls)
	})

	t.Run("should confirm on yes and re-invoke with confirmed", func(t *testing.T) {
		f := newFixture(t)
		f.propose(t)

		out, err := f.machine.Resolve(ctx, f.session, "  YES ")
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, out.State)
		assert.True(t, out.Handled)
		assert.True(t, out.Success)
		assert.Equal(t, "Done! Stock updated. Is there anything else you'd like me to do?", out.Summary)
		assert.Equal(t, "yes", out.UserText)
		assert.Equal(t, []bool{false, true}, f.action.calls)
		assert.Equal(t, "SKU-1", f.action.lastArgs["sku"])
		assert.Nil(t, f.pending(t))
	})

	t.Run("should execute a confirmed action exactly once", func(t *testing.T) {
		f := newFixture(t)
		f.propose(t)

		_, err := f.machine.Resolve(ctx, f.session, "yes")
		require.NoError(t, err)
		out, err := f.machine.Resolve(ctx, f.session, "yes")
		require.NoError(t, err)

		assert.Equal(t, StateNone, out.State)
		assert.Equal(t, []bool{false, true}, f.action.calls)
	})

	t.Run("should report a failed commit and still clear", func(t *testing.T) {
		f := newFixture(t)
		f.propose(t)
		f.action.result = func(bool, map[string]any) tools.ActionResult {
			return tools.ActionResult{Status: tools.StatusOK, Error: "database is locked"}
		}

		out, err := f.machine.Resolve(ctx, f.session, "go ahead")
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, out.State)
		assert.False(t, out.Success)
		assert.Equal(t, "Something went wrong: database is locked", out.Summary)
		assert.Nil(t, f.pending(t))
	})

	t.Run("should use the default completion message", func(t *testing.T) {
		f := newFixture(t)
		f.propose(t)
		f.action.result = func(bool, map[string]any) tools.ActionResult {
			return tools.ActionResult{Status: tools.StatusOK, Success: true}
		}

		out, err := f.machine.Resolve(ctx, f.session, "ok")
		require.NoError(t, err)
		assert.Equal(t, "Done! Action completed successfully. Is there anything else you'd like me to do?", out.Summary)
	})

	t.Run("should cancel on no without re-invoking", func(t *testing.T) {
		f := newFixture(t)
		f.propose(t)

		out, err := f.machine.Resolve(ctx, f.session, "no")
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, out.State)
		assert.True(t, out.Handled)
		assert.Equal(t, "Got it, I've cancelled that action. What else can I help you with?", out.Summary)
		assert.Equal(t, 0.95, out.Confidence)
		assert.Equal(t, []bool{false}, f.action.calls)
		assert.Nil(t, f.pending(t))
	})

	t.Run("should supersede on anything else and hand the text back", func(t *testing.T) {
		f := newFixture(t)
		f.propose(t)

		out, err := f.machine.Resolve(ctx, f.session, "what's the weather")
		require.NoError(t, err)
		assert.Equal(t, StateSuperseded, out.State)
		assert.False(t, out.Handled)
		assert.Equal(t, []bool{false}, f.action.calls)
		assert.Nil(t, f.pending(t))
	})

	t.Run("should report a vanished action", func(t *testing.T) {
		f := newFixture(t)
		f.propose(t)
		f.registry.Unregister("update_stock")

		out, err := f.machine.Resolve(ctx, f.session, "yes")
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, out.State)
		assert.False(t, out.Success)
		assert.Equal(t, "I couldn't find that action anymore. Please try again.", out.Summary)
		assert.Equal(t, 0.5, out.Confidence)
		assert.Nil(t, f.pending(t))
	})
}

func TestVocabulary(t *testing.T) {
	for _, w := range []string{"yes", "Yeah", "yep", "sure", "confirm", "ok", "okay", "proceed", "do it", "go ahead", "Y"} {
		assert.True(t, IsConfirm(w), w)
		assert.False(t, IsCancel(w), w)
	}
	for _, w := range []string{"no", "nope", "cancel", "stop", "never mind", "nevermind", "N "} {
		assert.True(t, IsCancel(w), w)
		assert.False(t, IsConfirm(w), w)
	}
	assert.False(t, IsConfirm("yes please"))
	assert.False(t, IsCancel("no thanks"))
}
