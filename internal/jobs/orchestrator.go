package jobs

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/events"
	"github.com/austinkregel/codemd/internal/logging"
)

// DefaultMaxConcurrent is the number of jobs run at once when unset
const DefaultMaxConcurrent = 2

// Config bounds the orchestrator
type Config struct {
	MaxConcurrent int
	// MaxQueued limits the QUEUED backlog; 0 means unlimited
	MaxQueued int
	// Retention keeps finished jobs queryable for this long; 0 keeps them
	// until acknowledged
	Retention     time.Duration
	SweepInterval time.Duration
}

// CompletionFunc is called once a job reaches a terminal status
type CompletionFunc func(Job)

// SubmitOption customises a single submission
type SubmitOption func(*entry)

// OnComplete registers a callback run after the job finishes, outside any lock
func OnComplete(fn CompletionFunc) SubmitOption {
	return func(e *entry) { e.onDone = append(e.onDone, fn) }
}

// Submission describes an accepted job
type Submission struct {
	Job Job
	// QueuedBehind counts QUEUED jobs ahead of this one
	QueuedBehind int
	// Saturated is true when every worker slot was busy at submission time
	Saturated bool
}

type entry struct {
	job    Job
	cancel context.CancelFunc
	onDone []CompletionFunc
}

// Orchestrator owns the job registry and the worker pool
type Orchestrator struct {
	cfg       Config
	runners   map[Kind]Runner
	publisher events.Publisher
	sem       *semaphore.Weighted
	wake      chan struct{}
	now       func() time.Time
	logger    *logrus.Entry

	mu      sync.Mutex
	jobs    map[string]*entry
	pending []string
	running int
	closed  bool
	stop    context.CancelFunc
	wg      sync.WaitGroup

	// events committed under mu, published by flush after mu is released
	outbox   []events.Event
	flushing bool
}

// New creates an orchestrator. publisher may be nil.
func New(cfg Config, publisher events.Publisher) *Orchestrator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
		if cfg.Retention > 0 && cfg.Retention/4 < cfg.SweepInterval {
			cfg.SweepInterval = max(cfg.Retention/4, 10*time.Millisecond)
		}
	}
	return &Orchestrator{
		cfg:       cfg,
		runners:   make(map[Kind]Runner),
		publisher: publisher,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
		logger:    logging.NewLogger("jobs"),
		jobs:      make(map[string]*entry),
	}
}

// Register binds a runner to a job kind. Call before Start.
func (o *Orchestrator) Register(kind Kind, r Runner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runners[kind] = r
}

// Start launches the dispatcher and the retention sweeper. Jobs run under
// a context derived from ctx.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.stop = cancel
	o.mu.Unlock()

	go o.dispatchLoop(ctx)
	go o.sweepLoop(ctx)
	o.logger.WithField("max_concurrent", o.cfg.MaxConcurrent).Info("Job orchestrator started")
}

// Shutdown stops accepting work, cancels everything in flight and waits for
// workers to return or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	stop := o.stop
	for _, id := range o.pending {
		if e := o.jobs[id]; e != nil && e.job.Status == StatusQueued {
			o.finishLocked(e, StatusCancelled, nil, "daemon shutting down")
		}
	}
	o.pending = nil
	o.mu.Unlock()
	o.flush()

	if stop != nil {
		stop()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.flush()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit registers a job and queues it for execution
func (o *Orchestrator) Submit(kind Kind, params any, opts ...SubmitOption) (Submission, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Submission{}, apperr.ResourceUnavailable("job orchestrator is shutting down")
	}
	if _, ok := o.runners[kind]; !ok {
		o.mu.Unlock()
		return Submission{}, apperr.Validation("kind", fmt.Sprintf("no runner for job kind %q", kind))
	}
	queued := o.queuedLocked()
	if o.cfg.MaxQueued > 0 && queued >= o.cfg.MaxQueued {
		o.mu.Unlock()
		return Submission{}, apperr.ResourceUnavailable(fmt.Sprintf("job backlog is full (%d queued)", queued)).
			WithDetail("max_queued", o.cfg.MaxQueued)
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	e := &entry{job: Job{
		ID:        id.String(),
		Kind:      kind,
		Status:    StatusQueued,
		Params:    params,
		CreatedAt: o.now(),
	}}
	for _, opt := range opts {
		opt(e)
	}
	o.jobs[e.job.ID] = e
	o.pending = append(o.pending, e.job.ID)
	sub := Submission{
		Job:          e.job.Clone(),
		QueuedBehind: queued,
		Saturated:    o.running >= o.cfg.MaxConcurrent,
	}
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{"job_id": sub.Job.ID, "kind": kind}).Info("Job queued")
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return sub, nil
}

func (o *Orchestrator) queuedLocked() int {
	n := 0
	for _, id := range o.pending {
		if e := o.jobs[id]; e != nil && e.job.Status == StatusQueued {
			n++
		}
	}
	return n
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	for {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return
		}
		var (
			job    Job
			jobCtx context.Context
			runner Runner
			ok     bool
		)
		for {
			job, jobCtx, runner, ok = o.claimNext(ctx)
			if ok {
				o.flush()
				break
			}
			select {
			case <-ctx.Done():
				o.sem.Release(1)
				return
			case <-o.wake:
			}
		}
		go o.execute(jobCtx, job, runner)
	}
}

// claimNext pops the oldest QUEUED job and marks it RUNNING in one step, so
// a concurrent Cancel sees either state but never an in-between.
func (o *Orchestrator) claimNext(ctx context.Context) (Job, context.Context, Runner, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.pending) > 0 {
		id := o.pending[0]
		o.pending = o.pending[1:]
		e := o.jobs[id]
		if e == nil || e.job.Status != StatusQueued {
			continue
		}
		jobCtx, cancel := context.WithCancel(ctx)
		now := o.now()
		e.cancel = cancel
		e.job.Status = StatusRunning
		e.job.StartedAt = &now
		o.running++
		o.wg.Add(1)
		o.publishLocked(events.Event{
			Kind:    events.JobProgress,
			Key:     id,
			Seq:     0,
			At:      now,
			Payload: e.job.Clone(),
		})
		return e.job.Clone(), jobCtx, o.runners[e.job.Kind], true
	}
	return Job{}, nil, nil, false
}

func (o *Orchestrator) execute(ctx context.Context, job Job, runner Runner) {
	log := o.logger.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind})
	log.Info("Job started")

	result, err := o.run(ctx, runner, job)

	o.mu.Lock()
	e := o.jobs[job.ID]
	var callbacks []CompletionFunc
	var final Job
	if e != nil {
		if e.job.Status == StatusRunning {
			switch {
			case err == nil:
				o.finishLocked(e, StatusSucceeded, &result, "")
			case ctx.Err() != nil:
				o.finishLocked(e, StatusCancelled, nil, "cancelled")
			default:
				o.finishLocked(e, StatusFailed, nil, apperr.JobExecution(job.ID, err).Message)
			}
			callbacks = e.onDone
		}
		if e.cancel != nil {
			e.cancel()
		}
		final = e.job.Clone()
	}
	o.running--
	o.mu.Unlock()
	o.flush()
	o.sem.Release(1)
	defer o.wg.Done()

	switch final.Status {
	case StatusFailed:
		log.WithField("error", final.Error).Warn("Job failed")
	case StatusSucceeded:
		log.Info("Job succeeded")
	default:
		log.WithField("status", final.Status).Info("Job finished")
	}

	for _, cb := range callbacks {
		o.callback(cb, final)
	}
}

// run invokes the runner, turning a panic into an error
func (o *Orchestrator) run(ctx context.Context, r Runner, job Job) (result Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Run(ctx, job, func(pct float64) { o.report(job.ID, pct) })
}

func (o *Orchestrator) callback(cb CompletionFunc, job Job) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.WithField("job_id", job.ID).Errorf("Completion callback panicked: %v", p)
		}
	}()
	cb(job)
}

// report records progress. Values lower than the last report, and reports
// arriving after the job left RUNNING, are ignored.
func (o *Orchestrator) report(id string, pct float64) {
	if math.IsNaN(pct) {
		return
	}
	pct = min(max(pct, 0), 100)

	o.mu.Lock()
	e := o.jobs[id]
	if e == nil || e.job.Status != StatusRunning || pct <= e.job.Progress {
		o.mu.Unlock()
		return
	}
	e.job.Progress = pct
	o.publishLocked(events.Event{
		Kind:    events.JobProgress,
		Key:     id,
		Seq:     pct,
		At:      o.now(),
		Payload: e.job.Clone(),
	})
	o.mu.Unlock()
	o.flush()
}

// finishLocked moves e to a terminal status and announces it. Caller holds mu.
func (o *Orchestrator) finishLocked(e *entry, status Status, result *Result, msg string) {
	now := o.now()
	e.job.Status = status
	e.job.FinishedAt = &now
	e.job.Result = result
	if status == StatusSucceeded {
		e.job.Progress = 100
	}
	if status != StatusSucceeded {
		e.job.Error = msg
	}
	o.publishLocked(events.Event{
		Kind:    events.JobCompleted,
		Key:     e.job.ID,
		Seq:     math.Inf(1),
		At:      now,
		Payload: e.job.Clone(),
	})
}

// publishLocked queues e in commit order. Caller holds mu and calls flush
// after releasing it.
func (o *Orchestrator) publishLocked(e events.Event) {
	if o.publisher != nil {
		o.outbox = append(o.outbox, e)
	}
}

// flush hands queued events to the publisher without holding mu. Only one
// goroutine flushes at a time; others leave their events to it, so events
// are published in the order they were committed.
func (o *Orchestrator) flush() {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	for len(o.outbox) > 0 {
		batch := o.outbox
		o.outbox = nil
		o.mu.Unlock()
		for _, e := range batch {
			o.publisher.Publish(e)
		}
		o.mu.Lock()
	}
	o.flushing = false
	o.mu.Unlock()
}

// Cancel requests cancellation. It returns false when the job had already
// finished. A cancelled job never reports SUCCEEDED afterwards.
func (o *Orchestrator) Cancel(id string) (bool, error) {
	o.mu.Lock()
	e := o.jobs[id]
	if e == nil {
		o.mu.Unlock()
		return false, unknownJob(id)
	}
	var callbacks []CompletionFunc
	switch e.job.Status {
	case StatusQueued:
		o.finishLocked(e, StatusCancelled, nil, "cancelled before start")
		callbacks = e.onDone
	case StatusRunning:
		o.finishLocked(e, StatusCancelled, nil, "cancelled")
		e.cancel()
		callbacks = e.onDone
	default:
		o.mu.Unlock()
		return false, nil
	}
	final := e.job.Clone()
	o.mu.Unlock()
	o.flush()

	o.logger.WithField("job_id", id).Info("Job cancelled")
	for _, cb := range callbacks {
		o.callback(cb, final)
	}
	return true, nil
}

// Status returns a snapshot of one job
func (o *Orchestrator) Status(id string) (Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.jobs[id]
	if e == nil {
		return Job{}, unknownJob(id)
	}
	return e.job.Clone(), nil
}

// List returns every retained job, oldest first
func (o *Orchestrator) List() []Job {
	o.mu.Lock()
	all := make([]Job, 0, len(o.jobs))
	for _, e := range o.jobs {
		all = append(all, e.job.Clone())
	}
	o.mu.Unlock()

	slices.SortFunc(all, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return all
}

// Active returns QUEUED and RUNNING jobs, oldest first
func (o *Orchestrator) Active() []Job {
	return lo.Filter(o.List(), func(j Job, _ int) bool {
		return j.Status.IsActive()
	})
}

// Acknowledge drops a finished job from the registry
func (o *Orchestrator) Acknowledge(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.jobs[id]
	if e == nil {
		return unknownJob(id)
	}
	if !e.job.Status.IsTerminal() {
		return apperr.InvalidState(fmt.Sprintf("job %s is still %s", id, e.job.Status))
	}
	delete(o.jobs, id)
	return nil
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	if o.cfg.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.sweep(o.now()); n > 0 {
				o.logger.Debugf("Removed %d expired jobs", n)
			}
		}
	}
}

// sweep removes terminal jobs finished more than Retention before now
func (o *Orchestrator) sweep(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, e := range o.jobs {
		if e.job.Status.IsTerminal() && e.job.FinishedAt != nil && now.Sub(*e.job.FinishedAt) > o.cfg.Retention {
			delete(o.jobs, id)
			removed++
		}
	}
	return removed
}

func unknownJob(id string) error {
	return apperr.Validation("job_id", fmt.Sprintf("unknown job %q", id))
}

// IsUnknownJob reports whether err came from a lookup of a missing job
func IsUnknownJob(err error) bool {
	e, ok := apperr.As(err)
	return ok && e.Code == apperr.CodeValidation && e.Details["field"] == "job_id"
}
