// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - A lane runs at most its concurrency (default 1) tasks at once.
// - Tasks in different lanes may execute concurrently.
// - Idle lanes with default concurrency are dropped once drained.
//
// The run loop uses one lane per session so that a session's pending action
// and history are never mutated by two requests at once.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, commandqueue.SessionLane(id), func(ctx context.Context) (any, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
