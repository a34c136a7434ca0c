package service

import (
	"context"
	"time"

	"github.com/cmatc13/svckit/pkg/errors"
)

// StopImmediate releases one start, interrupting in-flight work without a
// grace period if this was the last one.
func (b *Base) StopImmediate(ctx context.Context) error {
	return b.Stop(ctx, 0)
}

// Stop releases one start. When the last start is released the service
// drains in-flight work for up to grace, interrupts whatever is left, runs the
// stop hook and stops its sub-services in reverse start order. The first
// failure anywhere in that sequence leaves the service in STOP_FAILED and is
// returned (or re-panicked) once every step has been attempted.
//
// Cancelling ctx while draining cuts the grace period short. The remaining
// steps still run.
func (b *Base) Stop(ctx context.Context, grace time.Duration) error {
	b.lock.lock()
	for {
		switch b.state {
		case StateStopped:
			b.lock.unlock()
			return nil

		case StateStopping:
			b.logger.Debug("waiting for stop in other goroutine")
			newState, err := b.waitForStateChange(ctx, StateStopping)
			b.lock.unlock()
			if err != nil {
				return err
			}
			if newState == StateStopFailed {
				return errors.NewOperationError(errors.OpStop, "stop operation in other thread failed", nil)
			}
			return nil

		case StateStopFailed:
			err := b.previousStopFailed(errors.OpStop)
			b.lock.unlock()
			return err

		case StateStarting:
			b.logger.Debug("waiting for start in other goroutine")
			if _, err := b.waitForStateChange(ctx, StateStarting); err != nil {
				b.lock.unlock()
				return err
			}

		case StateRunning:
			if b.decrementRefCount() > 0 {
				b.lock.unlock()
				return nil
			}
			b.setState(StateStopping)
			b.lock.unlock()
			return b.doStop(ctx, grace)

		default:
			b.lock.unlock()
			return errors.NewInvariantError(errors.OpStop, "unknown state "+b.state.String())
		}
	}
}

func (b *Base) doStop(ctx context.Context, grace time.Duration) error {
	var f fault
	cleanupCtx := context.WithoutCancel(ctx)

	if err := b.drain(ctx, grace); err != nil {
		f.set(err)
	}
	b.interruptWorkers()

	hookCtx := ctx
	if ctx.Err() != nil {
		hookCtx = cleanupCtx
	}

	b.runOnStop(hookCtx, &f)
	b.shutdownSubServices(cleanupCtx, &f)
	b.deregisterWorkMonitor(cleanupCtx)

	b.lock.lock()
	if f.failed() {
		b.stopFailure = f.asError()
		b.setState(StateStopFailed)
	} else {
		b.setState(StateStopped)
	}
	b.lock.unlock()

	if f.failed() {
		b.logger.WithError(f.asError()).Error("stop failed")
		b.metrics.RecordStopFailure(b.name)
		b.RecordInterventionRequest("stop failed: " + f.asError().Error())
	}
	return f.raise()
}

// drain waits for in-flight work to finish. grace < 0 waits without limit,
// 0 does not wait at all.
func (b *Base) drain(ctx context.Context, grace time.Duration) error {
	b.lock.lock()
	defer b.lock.unlock()

	if len(b.workers) == 0 || grace == 0 {
		return nil
	}
	b.logger.Debug("waiting for in-flight work", "in_flight", len(b.workers), "grace", grace.String())

	var deadline time.Time
	if grace > 0 {
		deadline = time.Now().Add(grace)
	}

	for len(b.workers) > 0 {
		timeout := time.Duration(-1)
		if grace > 0 {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return nil
			}
		}
		if err := b.lock.wait(ctx, timeout); err != nil {
			return errors.NewOperationError(errors.OpStop, "stop operation interrupted", err)
		}
	}
	return nil
}

func (b *Base) interruptWorkers() {
	b.lock.lock()
	defer b.lock.unlock()

	n := 0
	for w := range b.workers {
		if w.interrupted.CompareAndSwap(false, true) {
			w.cancel()
			n++
		}
	}
	if n > 0 {
		b.logger.Debug("interrupted in-flight work", "count", n)
	}
}

func (b *Base) runOnStop(ctx context.Context, f *fault) {
	if b.hooks == nil {
		return
	}
	defer f.capture()

	if err := b.hooks.OnStop(ctx); err != nil {
		if isInterruption(err) {
			err = errors.NewOperationError(errors.OpStop, "stop operation interrupted", err)
		}
		f.set(err)
	}
}
