package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/telemetry"
)

type delayedJob struct {
	at  time.Time
	seq uint64
	job Job
}

func delayedLess(a, b delayedJob) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// Scheduler runs jobs on a fixed set of workers. Ready jobs are handed out
// in submission order; deferred jobs wait in a time-ordered queue until
// their retry time. Run returns once nothing is ready, underway or deferred.
type Scheduler struct {
	cfg       config.WorkerConfig
	fetcher   core.Fetcher
	telemetry core.Telemetry
	logger    *logger.Logger

	mu       sync.Mutex
	ready    []Job
	delayed  *btree.BTreeG[delayedJob]
	seq      uint64
	underway int
	wake     chan struct{}
	running  bool
	stopped  bool

	completed atomic.Uint64
	failed    atomic.Uint64
}

func NewScheduler(cfg config.WorkerConfig, fetcher core.Fetcher, tel core.Telemetry, log *logger.Logger) *Scheduler {
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Scheduler{
		cfg:       cfg,
		fetcher:   fetcher,
		telemetry: tel,
		logger:    log.WithComponent("scheduler"),
		delayed:   btree.NewG[delayedJob](16, delayedLess),
		wake:      make(chan struct{}),
	}
}

// Submit queues jobs for execution. A job may be submitted once; later
// submissions of the same job are ignored.
func (s *Scheduler) Submit(jobs ...Job) error {
	var follow []Job
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrNotRunning
	}
	for _, j := range jobs {
		pending, ok := j.base().attach(s)
		if !ok {
			continue
		}
		s.ready = append(s.ready, j)
		follow = append(follow, pending...)
	}
	s.broadcastLocked()
	s.mu.Unlock()

	if len(follow) > 0 {
		return s.Submit(follow...)
	}
	return nil
}

func (s *Scheduler) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Scheduler) promoteLocked(now time.Time) {
	for {
		d, ok := s.delayed.Min()
		if !ok || d.at.After(now) {
			return
		}
		s.delayed.DeleteMin()
		s.ready = append(s.ready, d.job)
	}
}

func (s *Scheduler) deferLocked(j Job, d time.Duration) {
	s.seq++
	s.delayed.ReplaceOrInsert(delayedJob{at: time.Now().Add(d), seq: s.seq, job: j})
}

// next blocks until a job is ready. It returns false when the scheduler has
// drained or ctx is done.
func (s *Scheduler) next(ctx context.Context) (Job, bool) {
	for {
		s.mu.Lock()
		s.promoteLocked(time.Now())
		if len(s.ready) > 0 {
			j := s.ready[0]
			s.ready[0] = nil
			s.ready = s.ready[1:]
			s.underway++
			s.mu.Unlock()
			return j, true
		}
		if s.underway == 0 && s.delayed.Len() == 0 {
			s.mu.Unlock()
			return nil, false
		}

		wake := s.wake
		var timer *time.Timer
		var fire <-chan time.Time
		if d, ok := s.delayed.Min(); ok {
			timer = time.NewTimer(time.Until(d.at))
			fire = timer.C
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return nil, false
		}
	}
}

// release returns a worker's job to the scheduler: deferred when delay is
// non-negative, otherwise finished.
func (s *Scheduler) release(j Job, delay time.Duration) {
	s.mu.Lock()
	s.underway--
	if delay >= 0 {
		s.deferLocked(j, delay)
	}
	s.broadcastLocked()
	s.mu.Unlock()
}

// Run starts the workers and blocks until every submitted job has left the
// scheduler or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.running = true
	s.mu.Unlock()

	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "scheduler.Run", "workers", s.cfg.Count)
	var err error
	defer func() {
		s.mu.Lock()
		s.running = false
		s.stopped = true
		s.mu.Unlock()
		s.logger.FinishOperation(ctx, span, "scheduler.Run", start, err,
			"completed", s.completed.Load(),
			"failed", s.failed.Load(),
		)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Count; i++ {
		w := newWorker(i, s)
		g.Go(func() error {
			return w.run(gctx)
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// Status is a snapshot for the status endpoint.
func (s *Scheduler) Status() core.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.SchedulerStatus{
		Workers:   s.cfg.Count,
		Ready:     len(s.ready),
		Delayed:   s.delayed.Len(),
		Underway:  s.underway,
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Running:   s.running,
	}
}

func jobKind(j Job) string {
	t := reflect.TypeOf(j)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
