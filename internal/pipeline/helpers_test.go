package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
)

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Count:             4,
		NotReadyDelay:     time.Millisecond,
		DefaultRetryDelay: time.Millisecond,
	}
}

func testWriterConfig() config.WriterConfig {
	return config.WriterConfig{
		MaxBacklog:     64,
		MaxExceptions:  32,
		ChildTimeout:   5 * time.Second,
		WaitInterval:   time.Second,
		MaxTaskRetries: 1,
	}
}

func newTestScheduler() *Scheduler {
	return NewScheduler(testWorkerConfig(), nil, nil, logger.NewNop())
}

func runScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}

// stubJob is a plain job whose stages are supplied by the test.
type stubJob struct {
	*Base

	ready   func(j *stubJob) bool
	fetch   func(ctx context.Context) error
	process func(ctx context.Context) error
	output  func(j *stubJob) error
	handler func(j *stubJob, err error, stage Stage) bool

	readies   atomic.Int32
	fetches   atomic.Int32
	processes atomic.Int32
	outputs   atomic.Int32
}

func newStubJob(name string) *stubJob {
	return &stubJob{Base: NewBase(name)}
}

func (j *stubJob) IsReady(context.Context) bool {
	j.readies.Add(1)
	if j.ready != nil {
		return j.ready(j)
	}
	return true
}

func (j *stubJob) Fetch(ctx context.Context, _ core.Fetcher) error {
	j.fetches.Add(1)
	if j.fetch != nil {
		return j.fetch(ctx)
	}
	return nil
}

func (j *stubJob) Process(ctx context.Context) error {
	j.processes.Add(1)
	if j.process != nil {
		return j.process(ctx)
	}
	return nil
}

func (j *stubJob) Output(context.Context) error {
	j.outputs.Add(1)
	if j.output != nil {
		return j.output(j)
	}
	return nil
}

func (j *stubJob) ExceptionHandler(err error, stage Stage) bool {
	if j.handler != nil {
		return j.handler(j, err, stage)
	}
	return false
}

// stubChild is a coordinator child whose stages are supplied by the test.
type stubChild struct {
	*Child

	fetch     func(j *stubChild, ctx context.Context) error
	output    func(j *stubChild) error
	dbHandler func(err error) bool

	fetches atomic.Int32
}

func newStubChild(name string) *stubChild {
	return &stubChild{Child: NewChild(name)}
}

func (j *stubChild) Fetch(ctx context.Context, _ core.Fetcher) error {
	j.fetches.Add(1)
	if j.fetch != nil {
		return j.fetch(j, ctx)
	}
	return nil
}

func (j *stubChild) Output(context.Context) error {
	if j.output != nil {
		return j.output(j)
	}
	return nil
}

func (j *stubChild) DbExceptionHandler(err error) bool {
	if j.dbHandler != nil {
		return j.dbHandler(err)
	}
	return false
}

// maxGauge tracks the highest concurrent value of a counter.
type maxGauge struct {
	cur atomic.Int32
	max atomic.Int32
}

func (g *maxGauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *maxGauge) leave() {
	g.cur.Add(-1)
}
