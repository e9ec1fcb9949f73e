package booking

import (
	"context"
	"sync"

	"github.com/friendsofgo/errors"
)

// ErrQueueClosed is returned for work submitted after Close.
var ErrQueueClosed = errors.New("booking queue closed")

type job struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// Queue runs submitted functions one at a time on a single goroutine, so
// that revalidation, search and commit of two bookings never interleave.
type Queue struct {
	jobs    chan job
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewQueue starts the worker. depth is how many callers may wait without
// blocking on submission.
func NewQueue(depth int) *Queue {
	if depth < 0 {
		depth = 0
	}
	q := &Queue{
		jobs:    make(chan job, depth),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.stopped)
	for {
		select {
		case j := <-q.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- err
				continue
			}
			j.result <- j.fn(j.ctx)
		case <-q.done:
			return
		}
	}
}

// Do runs fn on the worker and waits for its result. ctx bounds both the
// wait for a turn and fn itself.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopped:
		return ErrQueueClosed
	}

	select {
	case err := <-j.result:
		return err
	case <-q.stopped:
		// The worker may have finished this job just before stopping.
		select {
		case err := <-j.result:
			return err
		default:
			return ErrQueueClosed
		}
	}
}

// Close stops the worker after the job in progress. Queued jobs that have
// not started fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
	<-q.stopped
}
