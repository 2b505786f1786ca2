package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Memory is an in-process queue. In eager mode Enqueue runs the job, with
// its retries, before returning. Otherwise jobs wait until Drain.
type Memory struct {
	mux   *Mux
	eager bool

	mu      sync.Mutex
	pending []*Job
	dead    []Job
}

var (
	_ Enqueuer = (*Memory)(nil)
	_ Worker   = (*Memory)(nil)
)

func NewMemory(mux *Mux, eager bool) *Memory {
	return &Memory{mux: mux, eager: eager}
}

// Enqueue submits a job. In eager mode it returns the job's final error.
func (q *Memory) Enqueue(ctx context.Context, queue, name string, args any) (string, error) {
	job, err := NewJob(queue, name, args)
	if err != nil {
		return "", err
	}
	propagator.Inject(ctx, job.Headers)
	if !q.eager {
		q.mu.Lock()
		q.pending = append(q.pending, job)
		q.mu.Unlock()
		return job.ID, nil
	}
	for {
		res, err := q.mux.execute(ctx, job)
		switch res {
		case done:
			return job.ID, nil
		case dead:
			q.bury(job, err)
			return job.ID, err
		}
		if ctx.Err() != nil {
			return job.ID, errors.CombineErrors(err, ctx.Err())
		}
		job.Attempt++
	}
}

func (q *Memory) bury(job *Job, err error) {
	q.mux.logger.Error("job %s failed permanently: %s", job, err)
	job.LastError = err.Error()
	q.mu.Lock()
	q.dead = append(q.dead, *job)
	q.mu.Unlock()
}

func (q *Memory) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job
}

// Drain runs pending jobs, including the ones they enqueue, until none are
// left, and returns how many executions it performed. Failed jobs go to the
// back of the queue without delay.
func (q *Memory) Drain(ctx context.Context) (int, error) {
	var n int
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		job := q.next()
		if job == nil {
			return n, nil
		}
		n++
		res, err := q.mux.execute(ctx, job)
		switch res {
		case retry:
			job.Attempt++
			q.mu.Lock()
			q.pending = append(q.pending, job)
			q.mu.Unlock()
		case dead:
			q.bury(job, err)
		}
	}
}

// Run drains the queue periodically until ctx is done. All queues share one
// backlog, so the names are only informational.
func (q *Memory) Run(ctx context.Context, queues ...string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := q.Drain(ctx); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pending returns the number of jobs waiting for Drain.
func (q *Memory) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dead returns the jobs that exhausted their retries, oldest first.
func (q *Memory) Dead() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}
