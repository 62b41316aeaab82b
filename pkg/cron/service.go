// Package cron runs in-process maintenance jobs on fixed intervals or cron
// expressions: rate limiter sweeps, ledger retention and idle session pruning.
//
// A job never overlaps with itself; a tick that fires while the previous run
// is still going is skipped.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/tracing"
)

type entry struct {
	job   Job
	fn    JobFunc
	timer *time.Timer
}

// Service manages maintenance job scheduling and execution.
type Service struct {
	jobs    map[string]*entry
	logger  zerolog.Logger
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

// NewService creates a scheduler. Jobs start firing as soon as they are added.
func NewService(logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		jobs:   make(map[string]*entry),
		logger: logger.With().Str("component", "cron").Logger(),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Add registers and schedules a job.
func (s *Service) Add(name string, schedule Schedule, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job function is required")
	}

	next, err := NextRun(schedule, s.now())
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("service is stopped")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job already exists: %s", name)
	}

	e := &entry{job: Job{Name: name, Schedule: schedule, State: JobState{NextRunAt: next}}, fn: fn}
	s.jobs[name] = e
	s.scheduleLocked(e)

	s.logger.Info().Str("job", name).Time("next_run", next).Msg("Job scheduled")
	return nil
}

// Remove unschedules a job. A run in progress finishes.
func (s *Service) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.jobs, name)
	s.logger.Info().Str("job", name).Msg("Job removed")
	return nil
}

// RunJob executes a job immediately and waits for it. It returns the job's
// error, or an error when the job is unknown or already running.
func (s *Service) RunJob(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}

	ran, err := s.execute(e)
	if !ran {
		return fmt.Errorf("job %s is already running", name)
	}
	return err
}

// Jobs returns snapshots of all jobs sorted by name.
func (s *Service) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Job returns a snapshot of one job.
func (s *Service) Job(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Stop cancels pending timers and the context of running jobs, then waits for
// running jobs to return.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, e := range s.jobs {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Cron service stopped")
}

// scheduleLocked arms the job timer. s.mu must be held.
func (s *Service) scheduleLocked(e *entry) {
	delay := e.job.State.NextRunAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.tick(e) })
}

func (s *Service) tick(e *entry) {
	if ran, _ := s.execute(e); !ran {
		s.logger.Debug().Str("job", e.job.Name).Msg("Job already running, skipping tick")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.jobs[e.job.Name] != e {
		return
	}
	next, err := NextRun(e.job.Schedule, s.now())
	if err != nil {
		s.logger.Error().Str("job", e.job.Name).Err(err).Msg("Failed to calculate next run")
		return
	}
	e.job.State.NextRunAt = next
	s.scheduleLocked(e)
}

// execute runs the job unless it is already running.
func (s *Service) execute(e *entry) (bool, error) {
	s.mu.Lock()
	if e.job.State.Running || s.stopped {
		s.mu.Unlock()
		return false, nil
	}
	e.job.State.Running = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	name := e.job.Name
	ctx, span := tracing.StartSpan(s.ctx, "parley.cron", "cron.execute", attribute.String("job", name))
	defer span.End()

	start := s.now()
	err := runJob(ctx, e.fn)
	duration := s.now().Sub(start)

	s.mu.Lock()
	state := &e.job.State
	state.Running = false
	state.Runs++
	state.LastRunAt = start
	state.LastDuration = duration
	if err != nil {
		state.LastStatus = "error"
		state.LastError = err.Error()
		state.ConsecutiveErrors++
	} else {
		state.LastStatus = "ok"
		state.LastError = ""
		state.ConsecutiveErrors = 0
	}
	consecutive := state.ConsecutiveErrors
	s.mu.Unlock()

	if err != nil {
		tracing.RecordError(span, err)
		s.logger.Error().Str("job", name).Err(err).Int("consecutive_errors", consecutive).Msg("Job execution failed")
	} else {
		s.logger.Debug().Str("job", name).Dur("duration", duration).Msg("Job execution completed")
	}
	return true, err
}

func runJob(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}
