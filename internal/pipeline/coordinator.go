package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/telemetry"
)

var (
	// ErrStalled means no child or task made progress within the child
	// timeout.
	ErrStalled = errors.New("writer wave stalled")
	// ErrTooManyExceptions means the wave's write tasks failed more often
	// than the exception ceiling allows.
	ErrTooManyExceptions = errors.New("writer wave exceeded its exception ceiling")
)

// Task is one deferred store mutation, run on the writer lane.
type Task struct {
	name     string
	fn       func(ctx context.Context) error
	owner    ChildJob
	attempts int
}

func (t *Task) Name() string { return t.name }

type taskResult struct {
	task     *Task
	err      error
	duration time.Duration
}

// WaveStats is a snapshot of a coordinator's backlog.
type WaveStats struct {
	Tasks      int
	Running    int
	Waiting    int
	NextWave   int
	Exceptions int
}

// Coordinator owns the writer lane for one wave. Child jobs are released to
// the scheduler as backlog headroom allows, their write tasks run one at a
// time on a single helper goroutine, and once everything has drained the
// next wave's coordinator is created from the jobs queued for it.
type Coordinator struct {
	*Base

	cfg       config.WriterConfig
	telemetry core.Telemetry
	root      *logger.Logger
	logger    *logger.Logger

	mu         sync.Mutex
	waiting    []ChildJob
	running    map[ChildJob]struct{}
	tasks      []*Task
	hasChild   bool
	nextWave   []ChildJob
	afterDone  []Job
	nextName   string
	exceptions int
	finished   bool
	next       *Coordinator

	signal chan struct{}
}

// NewCoordinator creates a wave seeded with children. Seeds must be idle and
// unbound.
func NewCoordinator(name string, cfg config.WriterConfig, tel core.Telemetry, log *logger.Logger, seeds ...ChildJob) (*Coordinator, error) {
	if tel == nil {
		tel = telemetry.Noop()
	}
	c := &Coordinator{
		Base:      NewBase(name),
		cfg:       cfg,
		telemetry: tel,
		root:      log,
		running:   make(map[ChildJob]struct{}),
		signal:    make(chan struct{}, 1),
	}
	c.logger = log.WithComponent("writer").WithWave(name, c.ID())

	for _, j := range seeds {
		if err := c.AddChild(j); err != nil {
			return nil, fmt.Errorf("failed to seed wave %q with %s: %w", name, j.Name(), err)
		}
	}
	return c, nil
}

func (c *Coordinator) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// AddChild binds j to this wave. It is released to the scheduler once the
// backlog has room.
func (c *Coordinator) AddChild(j ChildJob) error {
	if j.base().Stage() != StageIdle {
		return ErrChildNotIdle
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrCoordinatorDone
	}
	if err := j.child().bind(c, j); err != nil {
		return err
	}
	c.waiting = append(c.waiting, j)
	c.hasChild = true
	c.notify()
	return nil
}

// NameNextWave sets the name of the wave created from AddToNextDbJobs jobs.
func (c *Coordinator) NameNextWave(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextName = name
}

// Next returns the coordinator created for the following wave, if any.
func (c *Coordinator) Next() *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *Coordinator) Stats() WaveStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WaveStats{
		Tasks:      len(c.tasks),
		Running:    len(c.running),
		Waiting:    len(c.waiting),
		NextWave:   len(c.nextWave),
		Exceptions: c.exceptions,
	}
}

func (c *Coordinator) addNext(j ChildJob) error {
	if j.base().Stage() != StageIdle {
		return ErrChildNotIdle
	}
	if j.child().Coordinator() != nil {
		return ErrChildBound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrCoordinatorDone
	}
	c.nextWave = append(c.nextWave, j)
	return nil
}

func (c *Coordinator) addAfterDone(j Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrCoordinatorDone
	}
	c.afterDone = append(c.afterDone, j)
	return nil
}

func (c *Coordinator) enqueue(t *Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrCoordinatorDone
	}
	c.tasks = append(c.tasks, t)
	c.notify()
	return nil
}

func (c *Coordinator) childExited(j ChildJob) {
	c.mu.Lock()
	delete(c.running, j)
	c.mu.Unlock()
	c.notify()
}

// admitLocked moves waiting children into the running set while the
// backlog has headroom.
func (c *Coordinator) admitLocked(inFlight int) []ChildJob {
	headroom := c.cfg.MaxBacklog - (len(c.tasks) + inFlight + len(c.running))
	if headroom <= 0 || len(c.waiting) == 0 {
		return nil
	}
	if headroom > len(c.waiting) {
		headroom = len(c.waiting)
	}
	admitted := append([]ChildJob(nil), c.waiting[:headroom]...)
	c.waiting = c.waiting[headroom:]
	for _, j := range admitted {
		c.running[j] = struct{}{}
	}
	return admitted
}

// abandon finishes the wave without running what is left.
func (c *Coordinator) abandon(reason error) {
	c.mu.Lock()
	c.finished = true
	dropped := len(c.tasks)
	c.tasks = nil
	c.mu.Unlock()

	c.logger.Warnw("Abandoning writer wave",
		"reason", reason.Error(),
		"dropped_tasks", dropped,
	)
}

// Fetch runs the wave: it admits children, drains write tasks on the helper
// lane and returns once no task is pending and no child is running or
// waiting. A wave without children waits for its first one; if none arrives
// within the child timeout the wave fails with ErrStalled.
func (c *Coordinator) Fetch(ctx context.Context, _ core.Fetcher) error {
	sched := c.scheduler()
	if sched == nil {
		return ErrNotRunning
	}

	start := time.Now()
	ctx, span := c.logger.StartOperation(ctx, "writer.Wave")
	var err error
	defer func() {
		c.logger.FinishOperation(ctx, span, "writer.Wave", start, err)
	}()

	lane := make(chan *Task)
	results := make(chan taskResult, 1)
	go c.helper(ctx, lane, results)
	defer close(lane)

	stall := time.NewTimer(c.cfg.ChildTimeout)
	defer stall.Stop()
	tick := time.NewTicker(c.cfg.WaitInterval)
	defer tick.Stop()

	var inFlight *Task
	for {
		busy := 0
		if inFlight != nil {
			busy = 1
		}

		c.mu.Lock()
		admitted := c.admitLocked(busy)
		var dispatch *Task
		if inFlight == nil && len(c.tasks) > 0 {
			dispatch = c.tasks[0]
			c.tasks[0] = nil
			c.tasks = c.tasks[1:]
		}
		drained := c.hasChild && inFlight == nil && dispatch == nil && len(c.running) == 0 && len(c.waiting) == 0
		if drained {
			c.finished = true
		}
		c.mu.Unlock()

		for _, j := range admitted {
			j.base().OnExit(func() { c.childExited(j) })
			if err = sched.Submit(j); err != nil {
				c.abandon(err)
				err = fmt.Errorf("failed to release %s: %w", j.Name(), err)
				return err
			}
		}
		if drained {
			c.logger.Infow("Writer wave drained", "duration_ms", time.Since(start).Milliseconds())
			return nil
		}
		if dispatch != nil {
			lane <- dispatch
			inFlight = dispatch
		}
		if len(admitted) > 0 || dispatch != nil {
			resetTimer(stall, c.cfg.ChildTimeout)
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
			c.abandon(err)
			return err

		case <-c.signal:
			resetTimer(stall, c.cfg.ChildTimeout)

		case res := <-results:
			inFlight = nil
			resetTimer(stall, c.cfg.ChildTimeout)
			if c.taskDone(ctx, res) {
				err = fmt.Errorf("%w: %d failed tasks", ErrTooManyExceptions, c.Stats().Exceptions)
				c.abandon(err)
				return err
			}

		case <-tick.C:
			stats := c.Stats()
			c.logger.Infow("Writer wave waiting",
				"tasks", stats.Tasks,
				"running_children", stats.Running,
				"waiting_children", stats.Waiting,
				"in_flight", inFlight != nil,
			)

		case <-stall.C:
			err = fmt.Errorf("%w: no progress for %s", ErrStalled, c.cfg.ChildTimeout)
			c.abandon(err)
			return err
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// helper is the single writer lane. Tasks never overlap.
func (c *Coordinator) helper(ctx context.Context, lane <-chan *Task, results chan<- taskResult) {
	for t := range lane {
		start := time.Now()
		err := c.runTask(ctx, t)
		results <- taskResult{task: t, err: err, duration: time.Since(start)}
	}
}

func (c *Coordinator) runTask(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.LogPanic(ctx, r, "writer.Task", "task", t.name)
			err = fmt.Errorf("panic in write task %s: %v", t.name, r)
		}
	}()
	return t.fn(logger.WithLogger(ctx, c.logger.WithFields("task", t.name)))
}

// taskDone records a task result and reports whether the exception ceiling
// has been passed.
func (c *Coordinator) taskDone(ctx context.Context, res taskResult) bool {
	t := res.task
	c.telemetry.RecordWriteTask(c.Name(), res.err == nil, res.duration)
	if res.err == nil {
		c.logger.LogSlowOperation(ctx, "writer.Task", res.duration, c.cfg.WaitInterval, "task", t.name)
		return false
	}

	t.attempts++
	retry := t.owner != nil && c.ownerRetries(t, res.err) && t.attempts <= c.cfg.MaxTaskRetries

	c.mu.Lock()
	c.exceptions++
	exceeded := c.exceptions > c.cfg.MaxExceptions
	if retry && !exceeded {
		c.tasks = append(c.tasks, t)
	}
	c.mu.Unlock()

	c.logger.LogError(ctx, res.err, "writer.Task",
		"task", t.name,
		"attempts", t.attempts,
		"requeued", retry && !exceeded,
	)
	return exceeded
}

func (c *Coordinator) ownerRetries(t *Task, cause error) (retry bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.LogPanic(context.Background(), r, "writer.DbExceptionHandler", "task", t.name)
			retry = false
		}
	}()
	return t.owner.DbExceptionHandler(cause)
}

// Output releases the after-done jobs and chains the next wave.
func (c *Coordinator) Output(ctx context.Context) error {
	c.mu.Lock()
	after := c.afterDone
	nextWave := c.nextWave
	name := c.nextName
	c.afterDone, c.nextWave = nil, nil
	c.mu.Unlock()

	for _, j := range after {
		if err := c.AddJob(j); err != nil {
			return fmt.Errorf("failed to submit %s: %w", j.Name(), err)
		}
	}

	if len(nextWave) > 0 {
		if name == "" {
			name = "After " + c.Name()
		}
		next, err := NewCoordinator(name, c.cfg, c.telemetry, c.root, nextWave...)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.next = next
		c.mu.Unlock()
		if err := c.AddJob(next); err != nil {
			return fmt.Errorf("failed to submit wave %q: %w", name, err)
		}
		c.logger.WithContext(ctx).Infow("Next writer wave queued",
			"next_wave", name,
			"children", len(nextWave),
		)
	}

	c.telemetry.RecordWave(c.Name(), "done")
	return nil
}

// ExceptionHandler counts the error against the wave and fails it. Fetch
// only returns after abandoning the wave's pending tasks, so no wave error is
// retried.
func (c *Coordinator) ExceptionHandler(err error, stage Stage) bool {
	c.mu.Lock()
	c.exceptions++
	c.mu.Unlock()
	c.telemetry.RecordWave(c.Name(), "failed")
	c.logger.Errorw("Writer wave failed", "stage", stage.String(), "error", err.Error())
	return false
}
