// Package pipeline drives jobs through their lifecycle on a fixed worker
// pool and funnels all store writes through one serialized writer lane per
// wave.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
)

var (
	// ErrChildBound is returned when a child job bound to one coordinator
	// is offered to another.
	ErrChildBound = errors.New("child job is already bound to a coordinator")
	// ErrChildNotIdle is returned when a child job is added after it has
	// started running.
	ErrChildNotIdle = errors.New("child job is not idle")
	// ErrChildUnbound is returned when a child job uses the coordinator API
	// before it has been added to a coordinator.
	ErrChildUnbound = errors.New("child job is not bound to a coordinator")
	// ErrCoordinatorDone is returned for work offered to a coordinator whose
	// wave has finished.
	ErrCoordinatorDone = errors.New("coordinator has finished")
	// ErrNotRunning is returned when jobs are submitted to a scheduler that
	// has stopped.
	ErrNotRunning = errors.New("scheduler is not running")
)

// Stage is a job's position in its lifecycle.
type Stage int

const (
	StageIdle Stage = iota
	StageFetch
	StageProcess
	StageOutput
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageFetch:
		return "fetch"
	case StageProcess:
		return "process"
	case StageOutput:
		return "output"
	case StageDone:
		return "done"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Job is a unit of work run by the Scheduler. Implementations embed *Base
// (directly or through *Child), which supplies the bookkeeping and default
// IsReady, Process, Output and ExceptionHandler methods.
type Job interface {
	Name() string
	// IsReady is a cheap precondition check. Returning false leaves the job
	// idle and defers it; the job may also mark itself failed here.
	IsReady(ctx context.Context) bool
	Fetch(ctx context.Context, fetcher core.Fetcher) error
	Process(ctx context.Context) error
	Output(ctx context.Context) error
	// ExceptionHandler decides what a failed stage means. Returning true
	// retries the stage after the delay requested with TryAgainIn (or the
	// scheduler default); false fails the job.
	ExceptionHandler(err error, stage Stage) bool

	base() *Base
}

// Base carries the lifecycle state shared by every job.
type Base struct {
	name string
	id   string

	mu        sync.Mutex
	stage     Stage
	failed    bool
	failErr   error
	retryIn   time.Duration
	retrySet  bool
	retries   int
	pending   []Job
	sched     *Scheduler
	onExit    []func()
	exited    bool
	submitted bool
}

func NewBase(name string) *Base {
	return &Base{name: name, id: uuid.New().String()}
}

func (b *Base) base() *Base { return b }

func (b *Base) Name() string { return b.name }

func (b *Base) ID() string { return b.id }

func (b *Base) Stage() Stage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stage
}

func (b *Base) setStage(s Stage) {
	b.mu.Lock()
	b.stage = s
	b.mu.Unlock()
}

// Failed marks the job as permanently finished without success. A nil err
// means the job was skipped.
func (b *Base) Failed(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = true
	if b.failErr == nil {
		b.failErr = err
	}
}

// IsFailed reports whether Failed has been called.
func (b *Base) IsFailed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

// Err is the error the job failed with, if any.
func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failErr
}

// TryAgainIn sets the delay before the job is considered again. It applies
// to the next deferral only.
func (b *Base) TryAgainIn(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retryIn = d
	b.retrySet = true
}

func (b *Base) takeRetryDelay(fallback time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := fallback
	if b.retrySet {
		d = b.retryIn
	}
	b.retrySet = false
	b.retryIn = 0
	return d
}

// Retries is the number of times a failed stage has been retried.
func (b *Base) Retries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retries
}

// AddJob submits j. Jobs added before this job reaches a scheduler are
// submitted together with it.
func (b *Base) AddJob(j Job) error {
	b.mu.Lock()
	sched := b.sched
	if sched == nil {
		b.pending = append(b.pending, j)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return sched.Submit(j)
}

// OnExit registers fn to run once the job leaves the scheduler, whether it
// finished or failed.
func (b *Base) OnExit(fn func()) {
	b.mu.Lock()
	if !b.exited {
		b.onExit = append(b.onExit, fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

func (b *Base) notifyOfExit() {
	b.mu.Lock()
	if b.exited {
		b.mu.Unlock()
		return
	}
	b.exited = true
	hooks := b.onExit
	b.onExit = nil
	b.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// attach binds the job to s and returns the jobs it queued before that.
func (b *Base) attach(s *Scheduler) ([]Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitted {
		return nil, false
	}
	b.submitted = true
	b.sched = s
	pending := b.pending
	b.pending = nil
	return pending, true
}

func (b *Base) scheduler() *Scheduler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sched
}

// Defaults; jobs override what they need.

func (b *Base) IsReady(context.Context) bool { return true }

func (b *Base) Process(context.Context) error { return nil }

func (b *Base) Output(context.Context) error { return nil }

func (b *Base) ExceptionHandler(error, Stage) bool { return false }
