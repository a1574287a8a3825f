package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
)

type worker struct {
	id     int
	sched  *Scheduler
	logger *logger.Logger
}

func newWorker(id int, s *Scheduler) *worker {
	return &worker{
		id:     id,
		sched:  s,
		logger: s.logger.WithFields("worker_id", id),
	}
}

func (w *worker) run(ctx context.Context) error {
	w.logger.Debugw("Worker started")
	defer w.logger.Debugw("Worker stopped")

	for {
		job, ok := w.sched.next(ctx)
		if !ok {
			return nil
		}
		w.sched.release(job, w.drive(ctx, job))
	}
}

// drive runs job until it finishes or has to wait. It returns the delay
// before the job should be considered again, or -1 once it has left the
// scheduler.
func (w *worker) drive(ctx context.Context, job Job) time.Duration {
	b := job.base()
	log := w.logger.WithJob(job.Name(), b.ID())
	start := time.Now()

	ctx, span := log.StartSpanWithAttributes(ctx, "pipeline.Job", []attribute.KeyValue{
		attribute.String("job", job.Name()),
		attribute.String("job_id", b.ID()),
		attribute.Int("worker_id", w.id),
	})
	defer span.End()
	ctx = logger.WithLogger(ctx, log)

	for {
		if b.IsFailed() {
			return w.finish(ctx, job, log, start)
		}

		stage := b.Stage()
		switch stage {
		case StageIdle:
			ready, err := w.ready(ctx, job)
			if err != nil {
				b.Failed(err)
				continue
			}
			if b.IsFailed() {
				continue
			}
			if !ready {
				delay := b.takeRetryDelay(w.sched.cfg.NotReadyDelay)
				log.Debugw("Job not ready", "retry_in", delay)
				return delay
			}
			b.setStage(StageFetch)

		case StageFetch, StageProcess, StageOutput:
			err := w.stage(ctx, job, stage)
			if err == nil {
				b.setStage(stage + 1)
				continue
			}
			if w.handle(job, err, stage) {
				b.mu.Lock()
				b.retries++
				retries := b.retries
				b.mu.Unlock()

				delay := b.takeRetryDelay(w.sched.cfg.DefaultRetryDelay)
				log.Warnw("Job stage failed, will retry",
					"stage", stage.String(),
					"error", err.Error(),
					"retry", retries,
					"retry_in", delay,
				)
				return delay
			}
			b.Failed(err)

		case StageDone:
			return w.finish(ctx, job, log, start)
		}
	}
}

func (w *worker) ready(ctx context.Context, job Job) (ready bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.LogPanic(ctx, r, "pipeline.IsReady", "job", job.Name())
			err = fmt.Errorf("panic in %s readiness check: %v", job.Name(), r)
		}
	}()
	return job.IsReady(ctx), nil
}

func (w *worker) stage(ctx context.Context, job Job, stage Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.LogPanic(ctx, r, "pipeline."+stage.String(), "job", job.Name())
			err = fmt.Errorf("panic in %s %s: %v", job.Name(), stage, r)
		}
	}()

	switch stage {
	case StageFetch:
		return job.Fetch(ctx, w.sched.fetcher)
	case StageProcess:
		return job.Process(ctx)
	case StageOutput:
		return job.Output(ctx)
	}
	return fmt.Errorf("no handler for stage %s", stage)
}

func (w *worker) handle(job Job, cause error, stage Stage) (retry bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.LogPanic(context.Background(), r, "pipeline.ExceptionHandler", "job", job.Name())
			retry = false
		}
	}()
	return job.ExceptionHandler(cause, stage)
}

func (w *worker) finish(ctx context.Context, job Job, log *logger.Logger, start time.Time) time.Duration {
	b := job.base()
	outcome := "done"
	switch {
	case b.IsFailed() && b.Err() != nil:
		outcome = "failed"
		w.sched.failed.Add(1)
		log.LogError(ctx, b.Err(), "pipeline.Job",
			"stage", b.Stage().String(),
			"retries", b.Retries(),
		)
	case b.IsFailed():
		outcome = "skipped"
		w.sched.completed.Add(1)
		log.Debugw("Job skipped")
	default:
		w.sched.completed.Add(1)
		log.Debugw("Job finished", "duration_ms", time.Since(start).Milliseconds())
	}

	w.sched.telemetry.RecordJob(jobKind(job), outcome, time.Since(start))
	b.notifyOfExit()
	return -1
}
