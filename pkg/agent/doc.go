// Package agent runs one conversational turn end to end.
//
// Invariants:
// - Runs are serialized per session lane through commandqueue.
// - Quota is checked before any tool or generation call.
// - A pending action is resolved before new routing happens.
// - Every run emits exactly one execution log entry.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	result := runner.Run(ctx, agent.ExecutionContext{
//		TenantID:  "demo",
//		UserID:    "u1",
//		SessionID: sess.ID,
//		RequestID: tracing.NewRequestID(),
//	}, "how are my orders doing?")
//	_ = result
package agent
