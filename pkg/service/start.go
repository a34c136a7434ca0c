package service

import (
	"context"

	"github.com/cmatc13/svckit/pkg/errors"
)

// Start takes one reference on the service, starting it if it is stopped.
//
// Concurrent callers that find the service STARTING wait for the outcome and
// fail with an operation error if it was not RUNNING. Callers that find it
// STOPPING wait for the stop to finish and then start it again. A service in
// STOP_FAILED cannot be started.
//
// Start hook errors are returned unchanged unless they are context
// cancellations, which are reported as operation errors. A panic in a hook is
// re-raised after the partial start has been cleaned up.
func (b *Base) Start(ctx context.Context) error {
	b.lock.lock()
	for {
		switch b.state {
		case StateStopped:
			b.setState(StateStarting)
			b.lock.unlock()
			return b.doStart(ctx)

		case StateStarting:
			b.logger.Debug("waiting for start in other goroutine")
			newState, err := b.waitForStateChange(ctx, StateStarting)
			if err != nil {
				b.lock.unlock()
				return err
			}
			if newState != StateRunning {
				b.lock.unlock()
				return errors.NewOperationError(errors.OpStart, "start operation in other thread failed", nil)
			}

		case StateStopping:
			b.logger.Debug("waiting for stop in other goroutine")
			if _, err := b.waitForStateChange(ctx, StateStopping); err != nil {
				b.lock.unlock()
				return err
			}

		case StateStopFailed:
			err := b.previousStopFailed(errors.OpStart)
			b.lock.unlock()
			return err

		case StateRunning:
			b.incrementRefCount()
			b.lock.unlock()
			return nil

		default:
			b.lock.unlock()
			return errors.NewInvariantError(errors.OpStart, "unknown state "+b.state.String())
		}
	}
}

func (b *Base) doStart(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("start panicked", "panic", r)
			b.metrics.RecordStartFailure(b.name)
			b.cleanPartialStart(ctx)
			panic(r)
		}
	}()

	if err := b.startSequence(ctx); err != nil {
		b.logger.WithError(err).Error("start failed")
		b.metrics.RecordStartFailure(b.name)
		b.cleanPartialStart(ctx)
		if isInterruption(err) {
			return errors.NewOperationError(errors.OpStart, "start operation interrupted", err)
		}
		return err
	}

	b.lock.lock()
	b.setState(StateRunning)
	b.incrementRefCount()
	b.lock.unlock()
	return nil
}

func (b *Base) startSequence(ctx context.Context) error {
	if err := b.registerWorkMonitor(ctx); err != nil {
		return err
	}

	if b.autoStart {
		for _, sub := range b.declared {
			if err := b.StartSubService(ctx, sub); err != nil {
				return err
			}
		}
	}

	if b.hooks != nil {
		return b.hooks.OnStart(ctx)
	}
	return nil
}

// cleanPartialStart returns a failed start to STOPPED. Errors from the cleanup
// are logged; the start failure is what the caller sees.
func (b *Base) cleanPartialStart(ctx context.Context) {
	cleanupCtx := context.WithoutCancel(ctx)

	b.lock.lock()
	b.setState(StateStopping)
	b.lock.unlock()

	var f fault
	b.shutdownSubServices(cleanupCtx, &f)
	if f.failed() {
		b.logger.WithError(f.asError()).Error("sub-service cleanup after failed start")
	}
	b.deregisterWorkMonitor(cleanupCtx)

	b.lock.lock()
	b.setState(StateStopped)
	b.lock.unlock()
}

func (b *Base) registerWorkMonitor(ctx context.Context) error {
	for _, p := range b.publishers {
		if err := p.RegisterWorkMonitor(ctx, b.monitor); err != nil {
			return err
		}
		b.lock.lock()
		b.registered = append(b.registered, p)
		b.lock.unlock()
	}
	return nil
}

func (b *Base) deregisterWorkMonitor(ctx context.Context) {
	b.lock.lock()
	registered := b.registered
	b.registered = nil
	b.lock.unlock()

	for i := len(registered) - 1; i >= 0; i-- {
		if err := registered[i].DeregisterWorkMonitor(ctx, b.monitor); err != nil {
			b.logger.WithError(err).Warn("deregistering work monitor")
		}
	}
}
