package cron

import (
	"context"
	"time"
)

// ScheduleKind represents the type of schedule.
type ScheduleKind string

const (
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for job execution.
type Schedule struct {
	Kind ScheduleKind `json:"kind" mapstructure:"kind"`

	// For "every" schedules.
	Every time.Duration `json:"every,omitempty" mapstructure:"every"`

	// For "cron" schedules: a 5-field expression or a descriptor such as @hourly.
	Expr string `json:"expr,omitempty" mapstructure:"expr"`
	TZ   string `json:"tz,omitempty" mapstructure:"tz"`
}

// Every returns a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: ScheduleKindEvery, Every: d}
}

// Expr returns a cron-expression schedule.
func Expr(expr string) Schedule {
	return Schedule{Kind: ScheduleKindCron, Expr: expr}
}

// JobFunc is the work of a maintenance job.
type JobFunc func(ctx context.Context) error

// JobState tracks runtime state of a job.
type JobState struct {
	NextRunAt         time.Time     `json:"next_run_at"`
	LastRunAt         time.Time     `json:"last_run_at,omitempty"`
	LastDuration      time.Duration `json:"last_duration,omitempty"`
	LastStatus        string        `json:"last_status,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	Runs              int           `json:"runs"`
	Running           bool          `json:"running"`
}

// Job is a snapshot of a registered job.
type Job struct {
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`
	State    JobState `json:"state"`
}
