package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type Task func(ctx context.Context) error

type namedTask struct {
	name string
	task Task
}

// Pool runs fire-and-forget work off the request path. Tasks are observed
// only for logging; nothing ever waits on an individual task.
//
// At most limit workers run at once. Work submitted while every worker is
// busy waits in a queue that the workers drain, so Submit never blocks.
type Pool struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	limit  int
	failed atomic.Int64

	// mu orders Submit against Close so no worker starts once Close waits.
	mu      sync.Mutex
	queue   []namedTask
	running int
	closed  bool
}

func NewPool(limit int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		group:  &errgroup.Group{},
		ctx:    ctx,
		cancel: cancel,
		limit:  limit,
	}
}

// Submit schedules task and returns false once the pool is closed.
func (p *Pool) Submit(name string, task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		log.Printf("[worker] pool closed, dropping task %s", name)
		return false
	}

	next := namedTask{name: name, task: task}
	if p.limit > 0 && p.running >= p.limit {
		p.queue = append(p.queue, next)
		return true
	}

	p.running++
	p.group.Go(func() error {
		p.work(next)
		// Errors are never returned to the group so one failure cannot
		// poison the pool for later submissions.
		return nil
	})
	return true
}

// work runs t, then keeps pulling from the queue until it is empty.
func (p *Pool) work(t namedTask) {
	for {
		if err := p.run(t.name, t.task); err != nil {
			p.failed.Add(1)
			log.Printf("[worker] task %s failed: %v", t.name, err)
		}

		p.mu.Lock()
		if len(p.queue) == 0 {
			p.running--
			p.mu.Unlock()
			return
		}
		t = p.queue[0]
		p.queue[0] = namedTask{}
		p.queue = p.queue[1:]
		p.mu.Unlock()
	}
}

func (p *Pool) run(name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return task(p.ctx)
}

// Failed returns how many tasks ended with an error or panic.
func (p *Pool) Failed() int64 {
	return p.failed.Load()
}

// Pending reports queued tasks that have not started yet.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Wait blocks until every submitted task, queued ones included, has finished.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

// Shutdown stops accepting tasks and lets queued and running ones finish.
// If ctx ends first the shared context is cancelled and Shutdown still
// waits for the workers to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.stop() {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		p.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		return nil
	case <-ctx.Done():
		log.Printf("[worker] drain interrupted with %d tasks queued", p.Pending())
		p.cancel()
		<-drained
		return ctx.Err()
	}
}

// Close stops accepting tasks, cancels the shared context and waits for
// running tasks to return.
func (p *Pool) Close() {
	if !p.stop() {
		return
	}
	p.cancel()
	p.Wait()
}

func (p *Pool) stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	return true
}
