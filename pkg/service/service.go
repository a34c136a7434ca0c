// Package service provides a reference-counted lifecycle for long-lived
// components. A Base moves through STOPPED, STARTING, RUNNING and STOPPING,
// starts and stops its sub-services in order, and drains in-flight work before
// shutting down. The Registry coordinates startup and shutdown of many services.
package service

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/logging"
	"github.com/cmatc13/svckit/pkg/metrics"
	"github.com/cmatc13/svckit/pkg/telemetry"
	"github.com/cmatc13/svckit/pkg/work"
)

// Startable is anything that can be started and reports a lifecycle state.
type Startable interface {
	Start(ctx context.Context) error
	State() State
}

// Stoppable is a Startable that can also be stopped.
type Stoppable interface {
	Startable

	// Stop releases one start. The service shuts down when the last start is
	// released, waiting up to grace for in-flight work (grace < 0 waits
	// indefinitely, 0 interrupts immediately).
	Stop(ctx context.Context, grace time.Duration) error

	// StopImmediate is Stop with a zero grace period.
	StopImmediate(ctx context.Context) error
}

// Service is a named Stoppable managed by a Registry.
type Service interface {
	Stoppable

	// Name returns the service name.
	Name() string

	// Health returns nil when the service is able to do work.
	Health() error

	// Dependencies returns the names of services that must start first.
	Dependencies() []string
}

// Hooks are the start and stop callbacks of a concrete service. Both run
// outside the state lock; the STARTING and STOPPING states keep them serialized
// with other transitions.
type Hooks interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
}

// WorkPublisher periodically collects the work monitors of running services.
type WorkPublisher interface {
	RegisterWorkMonitor(ctx context.Context, m *work.Monitor) error
	DeregisterWorkMonitor(ctx context.Context, m *work.Monitor) error
}

// InterventionListener is told when a service needs operator attention.
type InterventionListener interface {
	RecordInterventionRequest(service, message string)
}

type hookFuncs struct {
	onStart func(ctx context.Context) error
	onStop  func(ctx context.Context) error
}

func (h *hookFuncs) OnStart(ctx context.Context) error {
	if h.onStart == nil {
		return nil
	}
	return h.onStart(ctx)
}

func (h *hookFuncs) OnStop(ctx context.Context) error {
	if h.onStop == nil {
		return nil
	}
	return h.onStop(ctx)
}

// Option configures a Base.
type Option func(*Base)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Base) { b.metrics = m }
}

// WithHooks sets the start and stop hooks. It replaces WithOnStart and WithOnStop.
func WithHooks(h Hooks) Option {
	return func(b *Base) { b.hooks = h }
}

// WithOnStart sets a start hook.
func WithOnStart(fn func(ctx context.Context) error) Option {
	return func(b *Base) { b.funcs().onStart = fn }
}

// WithOnStop sets a stop hook.
func WithOnStop(fn func(ctx context.Context) error) Option {
	return func(b *Base) { b.funcs().onStop = fn }
}

// WithSubServices declares sub-services that are started, in order, before the
// start hook runs. Nil entries are ignored.
func WithSubServices(subs ...Startable) Option {
	return func(b *Base) {
		for _, s := range subs {
			if !isNil(s) {
				b.declared = append(b.declared, s)
			}
		}
	}
}

// WithoutAutoStartSubServices disables starting the declared sub-services.
// Sub-services can still be started from the start hook with StartSubService.
func WithoutAutoStartSubServices() Option {
	return func(b *Base) { b.autoStart = false }
}

// WithDependencies sets the names of services the Registry must start first.
func WithDependencies(names ...string) Option {
	return func(b *Base) { b.deps = append(b.deps, names...) }
}

// WithWorkPublishers registers the service's work monitor with each publisher
// while the service is running.
func WithWorkPublishers(p ...WorkPublisher) Option {
	return func(b *Base) { b.publishers = append(b.publishers, p...) }
}

// WithTelemetryPublishers sets where PublishTelemetry delivers.
func WithTelemetryPublishers(p ...telemetry.Publisher) Option {
	return func(b *Base) { b.telemetry = append(b.telemetry, p...) }
}

// WithInterventionListeners sets who is told about intervention requests.
func WithInterventionListeners(l ...InterventionListener) Option {
	return func(b *Base) { b.listeners = append(b.listeners, l...) }
}

// Base implements the lifecycle. Concrete services embed *Base and supply
// their behaviour through Hooks.
type Base struct {
	name    string
	id      string
	logger  *logging.Logger
	metrics *metrics.Metrics

	hooks      Hooks
	declared   []Startable
	autoStart  bool
	deps       []string
	monitor    *work.Monitor
	publishers []WorkPublisher
	telemetry  telemetry.Mux
	listeners  []InterventionListener

	// guarded by lock
	lock        stateLock
	state       State
	refCount    int
	subServices []Startable
	workers     map[*worker]struct{}
	registered  []WorkPublisher
	stopFailure error
}

// New creates a stopped service.
func New(name string, opts ...Option) *Base {
	if name == "" {
		panic("service: name cannot be empty")
	}

	b := &Base{
		name:      name,
		id:        uuid.NewString(),
		logger:    logging.Nop(),
		autoStart: true,
		monitor:   work.NewMonitor(name),
		workers:   make(map[*worker]struct{}),
	}
	b.lock.init()

	for _, opt := range opts {
		opt(b)
	}

	b.logger = b.logger.WithFields(map[string]interface{}{
		"service": b.name,
		"id":      b.id,
	})
	return b
}

func (b *Base) funcs() *hookFuncs {
	h, ok := b.hooks.(*hookFuncs)
	if !ok {
		h = &hookFuncs{}
		b.hooks = h
	}
	return h
}

// Name returns the service name.
func (b *Base) Name() string { return b.name }

// ID returns the unique instance id used in logs.
func (b *Base) ID() string { return b.id }

// Logger returns the service logger.
func (b *Base) Logger() *logging.Logger { return b.logger }

// State returns a snapshot of the current state.
func (b *Base) State() State {
	b.lock.lock()
	defer b.lock.unlock()
	return b.state
}

// RefCount returns the number of outstanding starts.
func (b *Base) RefCount() int {
	b.lock.lock()
	defer b.lock.unlock()
	return b.refCount
}

// InFlight returns the number of units of graceful work currently executing.
func (b *Base) InFlight() int {
	b.lock.lock()
	defer b.lock.unlock()
	return len(b.workers)
}

// SubServices returns the started sub-services in start order.
func (b *Base) SubServices() []Startable {
	b.lock.lock()
	defer b.lock.unlock()
	out := make([]Startable, len(b.subServices))
	copy(out, b.subServices)
	return out
}

// StopFailure returns the error that put the service in STOP_FAILED.
func (b *Base) StopFailure() error {
	b.lock.lock()
	defer b.lock.unlock()
	return b.stopFailure
}

// Health returns nil only while the service is RUNNING.
func (b *Base) Health() error {
	state := b.State()
	if state == StateRunning {
		return nil
	}
	return errors.Wrap(errors.ErrUnavailable, errors.Sprintf("service %s is %s", b.name, state))
}

// Dependencies returns the declared dependency names.
func (b *Base) Dependencies() []string {
	return b.deps
}

// WorkMonitor returns the monitor that ExecuteMonitored records into.
func (b *Base) WorkMonitor() *work.Monitor {
	return b.monitor
}

// RecordInterventionRequest reports that the service needs operator attention.
func (b *Base) RecordInterventionRequest(message string) {
	b.logger.Error("intervention requested", "message", message)
	b.metrics.RecordIntervention(b.name)
	for _, l := range b.listeners {
		l.RecordInterventionRequest(b.name, message)
	}
}

// PublishTelemetry sends info to the configured telemetry publishers.
func (b *Base) PublishTelemetry(ctx context.Context, info *telemetry.Info) error {
	if len(b.telemetry) == 0 {
		return nil
	}
	return b.telemetry.Publish(ctx, info)
}

// setState must be called with the lock held.
func (b *Base) setState(s State) {
	b.logger.Info("changing state", "from", b.state.String(), "state", s.String())
	b.state = s
	b.metrics.RecordServiceState(b.name, int(s), s.String())
	b.lock.notifyAll()
}

// incrementRefCount must be called with the lock held.
func (b *Base) incrementRefCount() {
	b.refCount++
	b.logger.Debug("reference count changed", "ref_count", b.refCount)
	b.metrics.RecordRefCount(b.name, b.refCount)
}

// decrementRefCount must be called with the lock held. Releasing more starts
// than were taken is a programming error: the count is clamped to zero and
// the call panics.
func (b *Base) decrementRefCount() int {
	b.refCount--
	if b.refCount < 0 {
		b.refCount = 0
		b.metrics.RecordRefCount(b.name, 0)
		b.lock.unlock()
		panic(errors.NewInvariantError(errors.OpStop, "reference count decremented below zero"))
	}
	b.logger.Debug("reference count changed", "ref_count", b.refCount)
	b.metrics.RecordRefCount(b.name, b.refCount)
	return b.refCount
}

// waitForStateChange must be called with the lock held. It blocks until the
// state differs from "from" and returns the new state.
func (b *Base) waitForStateChange(ctx context.Context, from State) (State, error) {
	for b.state == from {
		if err := b.lock.wait(ctx, -1); err != nil {
			return b.state, errors.NewOperationError(errors.OpWait, "service operation interrupted", err)
		}
	}
	return b.state, nil
}

func (b *Base) previousStopFailed(op string) error {
	return errors.NewOperationError(op, "previous stop operation failed", b.stopFailure)
}

func isInterruption(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
