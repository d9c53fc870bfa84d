package jobs

import (
	"context"
	"sync"
)

// Future is the handle of one background job. The result value is the id of
// the model the job produced.
type Future struct {
	id   string
	done chan struct{}

	once   sync.Once
	result string
	err    error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// resolved returns a future that is already complete.
func resolved(id, result string, err error) *Future {
	f := newFuture(id)
	f.complete(result, err)
	return f
}

func (f *Future) complete(result string, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

func (f *Future) ID() string {
	return f.id
}

// Done is closed once the job has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job finishes or ctx is cancelled. Cancelling ctx
// stops the wait, not the job.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Result blocks until the job finishes.
func (f *Future) Result() (string, error) {
	<-f.done
	return f.result, f.err
}
