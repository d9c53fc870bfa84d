package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lrtc/backend/internal/metrics"
	"github.com/lrtc/backend/pkg/logger"
)

var ErrManagerClosed = errors.New("job manager is shut down")

// Func is the body of a background job. It returns the id of the model it
// produced.
type Func func(ctx context.Context) (string, error)

// DoneFunc is invoked once with the job outcome, after the future resolves.
type DoneFunc func(result string, err error)

// Hints describe the resources a job needs. Weight is the number of worker
// slots it occupies; supervisory jobs that only wait on other futures use 0
// and never queue behind the jobs they wait for.
type Hints struct {
	Weight int64
}

var (
	TrainingHints    = Hints{Weight: 1}
	SupervisionHints = Hints{Weight: 0}
)

type Manager struct {
	workers int64
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]*Future
}

func NewManager(workers int) *Manager {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		workers: int64(workers),
		sem:     semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*Future),
	}
}

// Submit schedules fn and returns immediately with its future.
func (m *Manager) Submit(jobID string, hints Hints, fn Func, onDone DoneFunc) *Future {
	weight := hints.Weight
	if weight > m.workers {
		weight = m.workers
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		notify(onDone, "", ErrManagerClosed)
		return resolved(jobID, "", ErrManagerClosed)
	}
	future := newFuture(jobID)
	m.running[jobID] = future
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(future, weight, fn, onDone)

	return future
}

func (m *Manager) run(future *Future, weight int64, fn Func, onDone DoneFunc) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if m.running[future.id] == future {
			delete(m.running, future.id)
		}
		m.mu.Unlock()
	}()

	if weight > 0 {
		if err := m.sem.Acquire(m.ctx, weight); err != nil {
			err = fmt.Errorf("job %s not started: %w", future.id, err)
			future.complete("", err)
			notify(onDone, "", err)
			return
		}
		defer m.sem.Release(weight)
	}

	metrics.ActiveJobs.Inc()
	start := time.Now()

	result, err := safeCall(m.ctx, fn)

	metrics.ActiveJobs.Dec()
	status := "completed"
	if err != nil {
		status = "error"
	}
	metrics.JobDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	logger.Debug("Job finished",
		zap.String("job_id", future.id),
		zap.String("status", status),
		zap.Duration("elapsed", time.Since(start)),
	)

	future.complete(result, err)
	notify(onDone, result, err)
}

func safeCall(ctx context.Context, fn Func) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func notify(onDone DoneFunc, result string, err error) {
	if onDone == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job completion callback panicked", zap.Any("panic", r))
		}
	}()
	onDone(result, err)
}

// Lookup returns the future of a job that is still running.
func (m *Manager) Lookup(jobID string) (*Future, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.running[jobID]
	return f, ok
}

// Running reports the number of jobs not yet finished.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Shutdown stops accepting jobs, cancels the context handed to running jobs
// and waits for them to return or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
