// Package loop runs venue-bound work on one dedicated goroutine. Synchronous
// callers (HTTP handlers) submit jobs and block with a timeout for the result.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/logger"
)

// ErrUnavailable is returned when the loop is not running, its queue is full
// or the caller's timeout expired before the job completed.
var ErrUnavailable = errors.New("service not ready")

type job struct {
	run  func(ctx context.Context)
	name string
}

// Loop is a single-goroutine executor.
type Loop struct {
	jobs    chan job
	running atomic.Bool
	ctx     context.Context
	mu      sync.RWMutex
	log     *logger.Log
}

func New(queue int, log *logger.Log) *Loop {
	if queue <= 0 {
		queue = 64
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Loop{
		jobs: make(chan job, queue),
		ctx:  context.Background(),
		log:  log,
	}
}

// Run executes jobs one at a time until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	l.ctx = ctx
	l.mu.Unlock()
	l.running.Store(true)
	defer l.running.Store(false)

	log := l.log.WithComponent("loop")
	log.Info("background loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info("background loop stopped")
			return
		case j := <-l.jobs:
			start := time.Now()
			j.run(ctx)
			logger.LogPerformanceEntry(log, "loop", j.name, time.Since(start), nil)
		}
	}
}

// Ready reports whether Run is active.
func (l *Loop) Ready() bool {
	return l.running.Load()
}

// Context returns the context Run was started with.
func (l *Loop) Context() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ctx
}

// Go enqueues fn without waiting. It reports false when the job was dropped.
func (l *Loop) Go(name string, fn func(ctx context.Context)) bool {
	if !l.Ready() {
		return false
	}
	select {
	case l.jobs <- job{run: fn, name: name}:
		return true
	default:
		l.log.WithComponent("loop").WithFields(logger.Fields{"job": name}).Warn("loop queue full, dropping job")
		return false
	}
}

type outcome[T any] struct {
	value T
	err   error
}

// Do runs fn on the loop and waits up to timeout for its result.
func Do[T any](ctx context.Context, l *Loop, name string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if l == nil || !l.Ready() {
		return zero, ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	j := job{name: name, run: func(loopCtx context.Context) {
		// the job observes both the caller deadline and loop shutdown
		jobCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			select {
			case <-loopCtx.Done():
				stop()
			case <-jobCtx.Done():
			}
		}()
		v, err := fn(jobCtx)
		done <- outcome[T]{value: v, err: err}
	}}

	select {
	case l.jobs <- j:
	case <-ctx.Done():
		return zero, ErrUnavailable
	}

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		l.log.WithComponent("loop").WithFields(logger.Fields{"job": name, "timeout": timeout.String()}).Warn("loop call timed out")
		return zero, ErrUnavailable
	}
}
