package pipeline

import (
	"context"
	"sync"
)

// ChildJob is a job bound to a writer Coordinator.
type ChildJob interface {
	Job
	// DbExceptionHandler is consulted when one of the job's write tasks
	// fails. Returning true re-queues the task once.
	DbExceptionHandler(err error) bool

	child() *Child
}

// Child is embedded by jobs that submit write tasks. It gives them the
// coordinator submission API.
type Child struct {
	*Base

	bindMu sync.Mutex
	coord  *Coordinator
	outer  ChildJob
}

func NewChild(name string) *Child {
	return &Child{Base: NewBase(name)}
}

func (c *Child) child() *Child { return c }

func (c *Child) Coordinator() *Coordinator {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	return c.coord
}

// bind records coord as the job's coordinator and outer as the job that
// embeds c.
func (c *Child) bind(coord *Coordinator, outer ChildJob) error {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if c.coord != nil && c.coord != coord {
		return ErrChildBound
	}
	c.coord = coord
	c.outer = outer
	return nil
}

func (c *Child) boundCoordinator() (*Coordinator, ChildJob, error) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if c.coord == nil {
		return nil, nil, ErrChildUnbound
	}
	return c.coord, c.outer, nil
}

// AddDbTask queues fn on the coordinator's writer lane.
func (c *Child) AddDbTask(name string, fn func(ctx context.Context) error) error {
	coord, outer, err := c.boundCoordinator()
	if err != nil {
		return err
	}
	return coord.enqueue(&Task{name: name, fn: fn, owner: outer})
}

// AddToNextDbJobs defers j to the wave that follows this one.
func (c *Child) AddToNextDbJobs(j ChildJob) error {
	coord, _, err := c.boundCoordinator()
	if err != nil {
		return err
	}
	return coord.addNext(j)
}

// AddCurrentChildJob adds j to this job's own wave.
func (c *Child) AddCurrentChildJob(j ChildJob) error {
	coord, _, err := c.boundCoordinator()
	if err != nil {
		return err
	}
	return coord.AddChild(j)
}

// AddAfterDone runs j once this wave has drained.
func (c *Child) AddAfterDone(j Job) error {
	coord, _, err := c.boundCoordinator()
	if err != nil {
		return err
	}
	return coord.addAfterDone(j)
}

func (c *Child) DbExceptionHandler(error) bool { return false }
