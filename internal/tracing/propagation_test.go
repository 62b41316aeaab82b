package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-abc")
	ctx = WithSessionID(ctx, "session-1")
	ctx = WithTenantID(ctx, "acme")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-abc"`, `"session_id":"session-1"`, `"tenant_id":"acme"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
	if strings.Contains(out, "request_id") {
		t.Error("request_id should be omitted when not present")
	}
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithSessionID(context.Background(), "s-1"))
	detached := Detach(parent)
	cancel()

	select {
	case <-detached.Done():
		t.Fatal("detached context should not be cancelled with its parent")
	case <-time.After(10 * time.Millisecond):
	}

	if GetSessionID(detached) != "s-1" {
		t.Error("detached context lost the session ID")
	}
}

func TestMergeContext(t *testing.T) {
	source := WithTraceID(context.Background(), "trace-src")
	source = WithUserID(source, "u-1")

	target := WithTraceID(context.Background(), "trace-dst")

	merged := MergeContext(target, source)

	if GetTraceID(merged) != "trace-dst" {
		t.Error("existing trace ID should be kept")
	}
	if GetUserID(merged) != "u-1" {
		t.Error("missing user ID should be copied from source")
	}
}
