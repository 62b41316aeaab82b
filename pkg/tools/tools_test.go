package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuery struct {
	name   string
	params []Parameter
	run    func(ctx context.Context, args map[string]any) (any, error)
}

func (f *fakeQuery) Name() string            { return f.name }
func (f *fakeQuery) Description() string     { return "fake " + f.name }
func (f *fakeQuery) Parameters() []Parameter { return f.params }
func (f *fakeQuery) Run(ctx context.Context, args map[string]any) (any, error) {
	return f.run(ctx, args)
}

type fakeAction struct{ name string }

func (f *fakeAction) Name() string                         { return f.name }
func (f *fakeAction) Description() string                  { return "fake action" }
func (f *fakeAction) RequiredFields() []string             { return []string{"order_id"} }
func (f *fakeAction) FieldDescriptions() map[string]string { return map[string]string{"order_id": "the order"} }
func (f *fakeAction) RunAction(context.Context, bool, map[string]any) ActionResult {
	return ActionResult{Status: StatusOK, Success: true}
}

type bareTool struct{}

func (bareTool) Name() string        { return "bare" }
func (bareTool) Description() string { return "neither kind" }

func constant(v any) func(context.Context, map[string]any) (any, error) {
	return func(context.Context, map[string]any) (any, error) { return v, nil }
}

func TestRegistry(t *testing.T) {
	t.Run("should register and look up tools by kind", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&fakeQuery{name: "stock", run: constant(nil)}))
		require.NoError(t, r.Register(&fakeAction{name: "update_order_status"}))

		_, ok := r.Queryable("stock")
		assert.True(t, ok)
		_, ok = r.Actionable("stock")
		assert.False(t, ok)
		assert.True(t, r.IsAction("update_order_status"))
		assert.Equal(t, []string{"stock", "update_order_status"}, r.Names())
	})

	t.Run("should reject invalid tools", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register(nil))
		assert.Error(t, r.Register(bareTool{}))
		assert.Error(t, r.Register(&fakeQuery{name: "", run: constant(nil)}))
		assert.Error(t, r.Register(&fakeQuery{
			name:   "bad",
			params: []Parameter{{Name: "x", Type: "decimal"}},
			run:    constant(nil),
		}))

		require.NoError(t, r.Register(&fakeQuery{name: "dup", run: constant(nil)}))
		assert.Error(t, r.Register(&fakeQuery{name: "dup", run: constant(nil)}))
	})

	t.Run("should describe actions with required fields", func(t *testing.T) {
		r := NewRegistry().MustRegister(&fakeAction{name: "cancel_order"})
		desc := r.Describe()
		require.Len(t, desc, 1)
		assert.Equal(t, KindAction, desc[0].Kind)
		assert.Equal(t, []string{"order_id"}, desc[0].RequiredFields)
	})

	t.Run("should build subsets", func(t *testing.T) {
		r := NewRegistry().MustRegister(
			&fakeQuery{name: "a", run: constant(nil)},
			&fakeQuery{name: "b", run: constant(nil)},
		)
		sub := r.Subset("b", "missing")
		assert.Equal(t, []string{"b"}, sub.Names())
	})
}

func TestDispatcherExecute(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Timeout: 100 * time.Millisecond, Logger: zerolog.Nop()})

	t.Run("should skip unknown names and omit failures", func(t *testing.T) {
		r := NewRegistry().MustRegister(
			&fakeQuery{name: "ok", run: constant(map[string]any{"count": 2})},
			&fakeQuery{name: "broken", run: func(context.Context, map[string]any) (any, error) {
				return nil, errors.New("upstream down")
			}},
		)

		results, records := d.Execute(context.Background(), r, []string{"ok", "ghost", "broken"}, nil)

		assert.Equal(t, map[string]any{"ok": map[string]any{"count": 2}}, results)
		require.Len(t, records, 2)
		assert.Equal(t, "ok", records[0].Name)
		assert.False(t, records[0].Failed())
		assert.Equal(t, "broken", records[1].Name)
		assert.Equal(t, "upstream down", records[1].Error)
		assert.Nil(t, records[1].Output)
	})

	t.Run("should recover panics into a failed record", func(t *testing.T) {
		r := NewRegistry().MustRegister(&fakeQuery{name: "boom", run: func(context.Context, map[string]any) (any, error) {
			panic("nil map")
		}})

		results, records := d.Execute(context.Background(), r, []string{"boom"}, nil)

		assert.Empty(t, results)
		require.Len(t, records, 1)
		assert.Contains(t, records[0].Error, "tool panicked")
	})

	t.Run("should fail tools whose arguments violate the schema", func(t *testing.T) {
		called := false
		r := NewRegistry().MustRegister(&fakeQuery{
			name:   "stock",
			params: []Parameter{{Name: "sku", Type: "string", Description: "SKU", Required: true}},
			run: func(context.Context, map[string]any) (any, error) {
				called = true
				return nil, nil
			},
		})

		_, records := d.Execute(context.Background(), r, []string{"stock"}, map[string]map[string]any{
			"stock": {"sku": 42},
		})

		assert.False(t, called)
		require.Len(t, records, 1)
		assert.Contains(t, records[0].Error, "parameter validation failed")
	})

	t.Run("should time out slow tools", func(t *testing.T) {
		r := NewRegistry().MustRegister(&fakeQuery{name: "slow", run: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return "late", nil
		}})

		results, records := d.Execute(context.Background(), r, []string{"slow"}, nil)

		assert.Empty(t, results)
		assert.Contains(t, records[0].Error, "timeout")
	})

	t.Run("should not run actions", func(t *testing.T) {
		r := NewRegistry().MustRegister(&fakeAction{name: "cancel_order"})
		results, records := d.Execute(context.Background(), r, []string{"cancel_order"}, nil)
		assert.Empty(t, results)
		assert.Empty(t, records)
	})

	t.Run("should report progress for each tool", func(t *testing.T) {
		r := NewRegistry().MustRegister(
			&fakeQuery{name: "a", run: constant([]int{1})},
			&fakeQuery{name: "b", run: func(context.Context, map[string]any) (any, error) { return nil, errors.New("x") }},
		)

		var mu sync.Mutex
		var updates []string
		d.Execute(context.Background(), r, []string{"a", "b"}, nil, WithProgress(func(tool, status string) {
			mu.Lock()
			updates = append(updates, tool+":"+status)
			mu.Unlock()
		}))

		assert.Equal(t, []string{"a:running", "a:complete", "b:running", "b:failed"}, updates)
	})
}

func TestIsEmptyResult(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]any
		want    bool
	}{
		{"empty map", map[string]any{}, true},
		{"nil map", nil, true},
		{"zero count and empty items", map[string]any{"x": map[string]any{"count": 0, "items": []any{}}}, true},
		{"positive count", map[string]any{"x": map[string]any{"count": 3}}, false},
		{"non-empty list payload", map[string]any{"x": []any{map[string]any{}}}, false},
		{"empty list payload", map[string]any{"x": []any{}}, true},
		{"nil payload", map[string]any{"x": nil}, true},
		{"nested non-empty map", map[string]any{"x": map[string]any{"by_status": map[string]int{"open": 0}}}, false},
		{"negative number", map[string]any{"x": map[string]any{"delta": -4.5}}, true},
		{"string only", map[string]any{"x": map[string]any{"note": "nothing"}}, true},
		{"float count", map[string]any{"x": map[string]any{"revenue": 0.5}}, false},
		{"one meaningful among empties", map[string]any{
			"a": map[string]any{},
			"b": map[string]any{"total": int64(1)},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsEmptyResult(tt.results))
		})
	}
}
