package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
)

type threadState int

const (
	// threadStateIdle reports that a thread is not running.
	threadStateIdle threadState = iota

	// threadStateReady reports that a thread is waiting for a task.
	threadStateReady

	// threadStateBusy reports that a thread is currently running a task.
	threadStateBusy
)

func (s threadState) String() string {
	switch s {
	case threadStateIdle:
		return "idle"
	case threadStateReady:
		return "ready"
	case threadStateBusy:
		return "busy"
	default:
		return fmt.Sprintf("threadState(%d)", s)
	}
}

// task is the execution of one buffer by one pipeline.
type task struct {
	node      *node
	buf       buffer.TupleBuffer
	admission *admission
	tracker   *tracker
}

// finish releases the buffer of the task and reports it as done.
func (tk task) finish() {
	tk.buf.Release()
	tk.admission.done()
	tk.tracker.done()
}

// thread is a worker thread that executes the tasks of its queue one at a
// time, in the order they were queued.
type thread struct {
	ID      int
	Logger  log.Logger
	Metrics *Metrics
	Clock   quartz.Clock

	queue *taskQueue

	stateMut sync.RWMutex
	state    threadState
}

func newThread(id int, logger log.Logger, m *Metrics, clock quartz.Clock) *thread {
	return &thread{
		ID:      id,
		Logger:  log.With(logger, "thread", id),
		Metrics: m,
		Clock:   clock,
		queue:   newTaskQueue(),
	}
}

// State returns the current state of the thread.
func (t *thread) State() threadState {
	t.stateMut.RLock()
	defer t.stateMut.RUnlock()
	return t.state
}

// Run starts the thread. Run executes tasks until its queue is closed and
// empty or ctx is canceled. Run returns the error of the first failed task.
func (t *thread) Run(ctx context.Context) error {
	defer t.setState(threadStateIdle)

	for {
		t.setState(threadStateReady)
		tk, ok := t.queue.pop(ctx)
		if !ok {
			return nil
		}

		t.setState(threadStateBusy)
		if err := t.runTask(ctx, tk); err != nil {
			return err
		}
	}
}

func (t *thread) setState(state threadState) {
	t.stateMut.Lock()
	defer t.stateMut.Unlock()

	if t.state == state {
		return
	}
	if t.state == threadStateBusy {
		t.Metrics.threadsBusy.Dec()
	}
	if state == threadStateBusy {
		t.Metrics.threadsBusy.Inc()
	}
	t.state = state
}

func (t *thread) runTask(ctx context.Context, tk task) error {
	defer tk.finish()

	n := tk.node
	startTime := t.Clock.Now()

	err := n.ep.Stage.Execute(withAdmission(ctx, tk.admission), n.pctx, t.ID, tk.buf)
	if err != nil {
		level.Warn(t.Logger).Log("msg", "task failed", "pipeline", n.ep, "origin", tk.buf.Origin, "sequence", tk.buf.Sequence, "err", err)
		return fmt.Errorf("%s: %w", n.ep, err)
	}

	duration := t.Clock.Since(startTime)
	level.Debug(t.Logger).Log("msg", "task completed", "pipeline", n.ep, "origin", tk.buf.Origin, "sequence", tk.buf.Sequence, "duration", duration)
	t.Metrics.taskExecSeconds.Observe(duration.Seconds())
	t.Metrics.buffersTotal.Inc()
	t.Metrics.pagesInUse.Set(float64(n.pctx.Pool.InUse()))
	n.buffers.Inc()
	return nil
}

// taskQueue is an unbounded FIFO queue with a single consumer. Producers
// never block; the number of queued tasks is bounded by the admission of
// source buffers.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []task
	closed bool

	ready chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{ready: make(chan struct{}, 1)}
}

// push appends tk. It returns false if the queue is closed.
func (q *taskQueue) push(tk task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, tk)
	q.mu.Unlock()

	q.signal()
	return true
}

// pop removes the oldest task. It blocks until a task is available and
// returns false once the queue is closed and empty or ctx is canceled.
func (q *taskQueue) pop(ctx context.Context) (task, bool) {
	for {
		if ctx.Err() != nil {
			return task{}, false
		}

		q.mu.Lock()
		if len(q.tasks) > 0 {
			tk := q.tasks[0]
			q.tasks[0] = task{}
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return tk, true
		} else if q.closed {
			q.mu.Unlock()
			return task{}, false
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return task{}, false
		case <-q.ready:
		}
	}
}

// close stops accepting tasks. Queued tasks are still handed out by pop.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// drain closes the queue and returns the tasks left in it.
func (q *taskQueue) drain() []task {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

func (q *taskQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
