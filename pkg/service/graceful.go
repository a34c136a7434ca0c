package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cmatc13/svckit/pkg/errors"
)

// worker is one unit of in-flight graceful work.
type worker struct {
	cancel      context.CancelFunc
	interrupted atomic.Bool
}

// Execute runs fn as graceful work: it is refused with a state error unless
// the service is RUNNING, and while it runs a stop waits for it to return
// (up to the grace period). When the grace period runs out the context passed
// to fn is cancelled; if fn then returns a cancellation error, Execute returns
// a state error that still wraps context.Canceled.
func (b *Base) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	workCtx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel}

	b.lock.lock()
	if b.state != StateRunning {
		state := b.state
		b.lock.unlock()
		cancel()
		return errors.NewStateError(errors.OpExecute, "refusing work ["+state.String()+"]", nil)
	}
	b.workers[w] = struct{}{}
	b.metrics.RecordInFlight(b.name, len(b.workers))
	b.lock.unlock()

	defer func() {
		b.lock.lock()
		delete(b.workers, w)
		b.metrics.RecordInFlight(b.name, len(b.workers))
		b.lock.notifyAll()
		b.lock.unlock()
		cancel()

		if err != nil && w.interrupted.Load() && errors.Is(err, context.Canceled) {
			err = errors.NewStateError(errors.OpExecute, "service operation interrupted", err)
		}
	}()

	return fn(workCtx)
}

// Graceful is Execute for work that produces a value.
func Graceful[T any](ctx context.Context, b *Base, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// ExecuteMonitored runs fn as graceful work and records its duration and
// outcome under workName in the service's work monitor. Refused work is
// recorded as an error.
func (b *Base) ExecuteMonitored(ctx context.Context, workName string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := b.Execute(ctx, fn)
	if err != nil {
		b.monitor.RecordError(workName, time.Since(start))
	} else {
		b.monitor.RecordOK(workName, time.Since(start))
	}
	return err
}

// Monitored is ExecuteMonitored for work that produces a value.
func Monitored[T any](ctx context.Context, b *Base, workName string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.ExecuteMonitored(ctx, workName, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
