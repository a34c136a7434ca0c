package service

import (
	"context"

	"github.com/cmatc13/svckit/pkg/errors"
)

// StartSubService starts sub and adds it to the sub-services that are stopped,
// in reverse order, when this service stops. It may only be called while the
// service is STARTING or RUNNING, normally from the start hook.
func (b *Base) StartSubService(ctx context.Context, sub Startable) error {
	if isNil(sub) {
		return errors.NewInvariantError(errors.OpStartSubService, "sub-service cannot be nil")
	}

	if err := b.requireActive(); err != nil {
		return err
	}

	if err := sub.Start(ctx); err != nil {
		return err
	}

	b.lock.lock()
	if b.state != StateStarting && b.state != StateRunning {
		state := b.state
		b.lock.unlock()
		stopSubService(context.WithoutCancel(ctx), sub, &fault{})
		return errors.NewStateError(errors.OpStartSubService, "cannot add sub-service while "+state.String(), nil)
	}
	b.subServices = append(b.subServices, sub)
	b.lock.unlock()

	b.logger.Debug("started sub-service", "sub_service", subServiceName(sub))
	return nil
}

func (b *Base) requireActive() error {
	b.lock.lock()
	defer b.lock.unlock()
	if b.state != StateStarting && b.state != StateRunning {
		return errors.NewStateError(errors.OpStartSubService, "cannot start sub-service while "+b.state.String(), nil)
	}
	return nil
}

// shutdownSubServices stops every started sub-service, last started first.
// Every sub-service gets a stop attempt; the first failure is kept in f.
func (b *Base) shutdownSubServices(ctx context.Context, f *fault) {
	b.lock.lock()
	subs := b.subServices
	b.subServices = nil
	b.lock.unlock()

	for i := len(subs) - 1; i >= 0; i-- {
		b.logger.Debug("stopping sub-service", "sub_service", subServiceName(subs[i]))
		stopSubService(ctx, subs[i], f)
	}
}

func stopSubService(ctx context.Context, sub Startable, f *fault) {
	s, ok := sub.(Stoppable)
	if !ok {
		return
	}
	defer f.capture()
	f.set(s.StopImmediate(ctx))
}

func subServiceName(sub Startable) string {
	if n, ok := sub.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unnamed"
}
