package observability

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	entries []ExecutionLog
	err     error
	block   chan struct{}
}

func (s *captureSink) RecordExecution(_ context.Context, entry ExecutionLog) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return s.err
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestRecorder(t *testing.T) {
	t.Run("should deliver entries to every sink", func(t *testing.T) {
		a := &captureSink{}
		b := &captureSink{err: errors.New("disk full")}
		r := NewRecorder(zerolog.Nop(), 8, a, b)

		r.Record(context.Background(), ExecutionLog{RequestID: "r1", Agent: "general_agent"})
		r.Record(context.Background(), ExecutionLog{RequestID: "r2", Agent: "general_agent"})
		r.Close()

		assert.Equal(t, 2, a.count())
		assert.Equal(t, 2, b.count())
		assert.Equal(t, "r1", a.entries[0].RequestID)
	})

	t.Run("should drop instead of blocking when buffer is full", func(t *testing.T) {
		sink := &captureSink{block: make(chan struct{})}
		r := NewRecorder(zerolog.Nop(), 1, sink)

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				r.Record(context.Background(), ExecutionLog{RequestID: "r"})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Record blocked on a full buffer")
		}

		close(sink.block)
		r.Close()
		assert.Less(t, sink.count(), 10)
	})

	t.Run("should ignore records after close", func(t *testing.T) {
		sink := &captureSink{}
		r := NewRecorder(zerolog.Nop(), 4, sink)
		r.Close()

		r.Record(context.Background(), ExecutionLog{RequestID: "late"})
		assert.Equal(t, 0, sink.count())
	})
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	err := sink.RecordExecution(context.Background(), ExecutionLog{
		TenantID:  "acme",
		RequestID: "req-1",
		Agent:     "orders_agent",
		Error:     "provider unavailable",
		ToolCalls: []ToolCall{{Name: "get_order_list"}},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"tools":["get_order_list"]`)
	assert.Contains(t, out, `"error":"provider unavailable"`)
}
