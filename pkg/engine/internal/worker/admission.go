package worker

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// admission tracks the tasks derived from one source buffer. The source
// buffer holds one permit of the in-flight semaphore until the last of its
// tasks is done.
type admission struct {
	pending atomic.Int64
	release func()
}

// newAdmission returns an admission held by the caller. The caller calls
// done once it has dispatched the buffer.
func newAdmission(release func()) *admission {
	a := &admission{release: release}
	a.pending.Store(1)
	return a
}

func (a *admission) add() {
	if a != nil {
		a.pending.Inc()
	}
}

func (a *admission) done() {
	if a != nil && a.pending.Dec() == 0 {
		a.release()
	}
}

type admissionKey struct{}

func withAdmission(ctx context.Context, a *admission) context.Context {
	if a == nil {
		return ctx
	}
	return context.WithValue(ctx, admissionKey{}, a)
}

// admissionFrom returns the admission of the task running with ctx, or nil
// for buffers emitted outside of a task, such as when a stage is stopped.
func admissionFrom(ctx context.Context) *admission {
	a, _ := ctx.Value(admissionKey{}).(*admission)
	return a
}

// tracker counts queued and running tasks so that the runtime can wait for
// quiescence.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newTracker() *tracker {
	t := &tracker{idle: make(chan struct{})}
	close(t.idle)
	return t
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

// wait blocks until no task is queued or running. Callers must make sure
// no new tasks are added concurrently.
func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
		return nil
	}
}
