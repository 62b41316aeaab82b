package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
)

// ErrClosed is returned for tasks enqueued after Close.
var ErrClosed = errors.New("command queue closed")

// ErrLaneReset is returned to tasks still queued when their lane is reset.
var ErrLaneReset = errors.New("lane reset")

// Task represents an operation to be executed in a lane.
type Task func(ctx context.Context) (any, error)

// TaskOptions provides configuration for task execution.
type TaskOptions struct {
	// WarnAfter logs a warning when the task is still queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// SessionLane returns the lane that serializes work for a session.
func SessionLane(sessionID string) string {
	return "session-" + sessionID
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	generation  int
	concurrency int
	pinned      bool
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// CommandQueue provides lane-based task serialization with concurrency control.
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a CommandQueue.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue adds a task to the specified lane and waits for its result.
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (any, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to the specified lane and waits for its
// result. The task receives ctx, cancelled also when the queue closes. A task
// whose ctx is done by the time it reaches the head of its lane is skipped.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "parley.commandqueue", "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	ls := cq.laneLocked(lane)
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().Str("task_id", record.id).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.SetQueueSize(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane, ls)
	}

	cq.processLane(lane, ls)

	result := <-record.result
	if result.err != nil {
		tracing.RecordError(span, result.err)
	}
	return result.value, result.err
}

// laneLocked returns the lane, creating it with concurrency 1. cq.mu must be held.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[lane] = ls
	}
	return ls
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}
		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: err}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
	observability.SetQueueSize(lane, len(ls.queue))
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "parley.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.RecordError(span, err)
		logger.Error().Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil)

	cq.processLane(lane, ls)
	cq.dropIfIdle(lane, ls)
}

// runTask converts a panic into an error so the lane keeps draining.
func runTask(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// dropIfIdle forgets drained lanes so per-session lanes do not accumulate.
func (cq *CommandQueue) dropIfIdle(lane string, ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls.mu.Lock()
	idle := !ls.pinned && ls.running == 0 && len(ls.queue) == 0
	ls.mu.Unlock()

	if idle && cq.lanes[lane] == ls {
		delete(cq.lanes, lane)
	}
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string, ls *laneState) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", lane).
				Str("task_id", record.id).
				Dur("wait", wait).
				Int("queue_pos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-cq.ctx.Done():
	}
}

func (cq *CommandQueue) lane(lane string) (*laneState, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[lane]
	return ls, ok
}

// GetQueueSize returns the number of queued tasks for a lane.
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane.
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// LaneCount returns the number of live lanes.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// GetStats returns statistics for all lanes.
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ResetLane rejects every queued task of a lane with ErrLaneReset. Running
// tasks are not interrupted.
func (cq *CommandQueue) ResetLane(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	ls.generation++
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneReset}
	}
	ls.queue = nil
	ls.mu.Unlock()

	log.Info().Str("lane", lane).Int("rejected", count).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)
	return count
}

// SetConcurrency updates the concurrency limit for a lane. Lanes configured
// this way are kept when idle.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	cq.mu.Lock()
	ls := cq.laneLocked(lane)
	cq.mu.Unlock()

	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.pinned = true
	ls.mu.Unlock()

	log.Info().Str("lane", lane).Int("old_max", oldMax).Int("new_max", concurrency).Msg("Lane concurrency updated")

	if concurrency > oldMax {
		cq.processLane(lane, ls)
	}
}

// WaitForActive waits until no lane has running or queued tasks.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := false
		cq.mu.Lock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if ls.running > 0 || len(ls.queue) > 0 {
				busy = true
			}
			ls.mu.Unlock()
		}
		cq.mu.Unlock()

		if !busy {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks, rejects queued ones and waits for the running
// ones to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]*laneState, 0, len(cq.lanes))
	for _, ls := range cq.lanes {
		lanes = append(lanes, ls)
	}
	cq.mu.Unlock()

	cq.cancel()
	for _, ls := range lanes {
		ls.mu.Lock()
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
		ls.mu.Unlock()
	}

	cq.wg.Wait()
	return nil
}
