// Package jobs runs downloads and conversions in a bounded background pool.
package jobs

import (
	"context"
	"slices"
	"time"
)

// Kind selects the runner for a job
type Kind string

const (
	KindDownload Kind = "download"
	KindConvert  Kind = "convert"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsActive reports whether the job may still make progress
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

// IsTerminal reports whether the job has finished for good
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// DownloadParams configures a download job
type DownloadParams struct {
	URL     string         `json:"url"`
	Options map[string]any `json:"options,omitempty"`
	// AutoPlay loads and plays the result when the job succeeds
	AutoPlay bool `json:"auto_play,omitempty"`
	// Enqueue appends the result to the playlist when the job succeeds
	Enqueue bool `json:"enqueue,omitempty"`
}

// ConvertParams configures a conversion job
type ConvertParams struct {
	Paths []string `json:"paths"`
	Mode  string   `json:"mode"`
}

// Result is what a successful job produced
type Result struct {
	Outputs []string `json:"outputs,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// Job is a snapshot of one unit of background work
type Job struct {
	ID         string     `json:"job_id"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Progress   float64    `json:"progress_percent"`
	Params     any        `json:"params"`
	Result     *Result    `json:"result,omitempty"`
	Error      string     `json:"error_message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a copy that shares nothing mutable with the registry
func (j Job) Clone() Job {
	out := j
	if j.Result != nil {
		r := *j.Result
		r.Outputs = slices.Clone(j.Result.Outputs)
		out.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// ProgressFunc receives a completion percentage in [0, 100]
type ProgressFunc func(percent float64)

// Runner executes one kind of job. It must return promptly once ctx is
// cancelled.
type Runner interface {
	Run(ctx context.Context, job Job, report ProgressFunc) (Result, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, job Job, report ProgressFunc) (Result, error)

// Run implements Runner
func (f RunnerFunc) Run(ctx context.Context, job Job, report ProgressFunc) (Result, error) {
	return f(ctx, job, report)
}
