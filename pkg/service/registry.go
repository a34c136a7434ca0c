package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/logging"
)

// DefaultHealthTimeout is how long StartAll waits for each service to report healthy.
const DefaultHealthTimeout = 30 * time.Second

// Registry manages all services and their lifecycle
type Registry struct {
	services      map[string]Service
	mutex         sync.RWMutex
	logger        *logging.Logger
	healthTimeout time.Duration
}

// NewRegistry creates a new service registry
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		services:      make(map[string]Service),
		logger:        logger.WithField("component", "registry"),
		healthTimeout: DefaultHealthTimeout,
	}
}

// SetHealthTimeout changes how long StartAll waits for each service to become healthy.
func (r *Registry) SetHealthTimeout(d time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.healthTimeout = d
}

// Register adds a service to the registry
func (r *Registry) Register(service Service) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := service.Name()
	if _, exists := r.services[name]; exists {
		return errors.NewStateError(errors.OpRegister, fmt.Sprintf("service %s is already registered", name), errors.ErrAlreadyExists)
	}

	r.services[name] = service
	r.logger.Info("service registered", "service", name)
	return nil
}

// Get returns a service by name
func (r *Registry) Get(name string) (Service, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	service, exists := r.services[name]
	if !exists {
		return nil, errors.Wrap(errors.ErrNotFound, fmt.Sprintf("service %s", name))
	}

	return service, nil
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Order returns the service names in start order: every service after the
// services it depends on.
func (r *Registry) Order() ([]string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return topologicalSort(buildDependencyGraph(r.services))
}

// StartAll starts all services in dependency order
func (r *Registry) StartAll(ctx context.Context) error {
	order, err := r.Order()
	if err != nil {
		return errors.NewOperationError(errors.OpStartAll, "dependency cycle detected", err)
	}

	for _, name := range order {
		service, err := r.Get(name)
		if err != nil {
			return err
		}
		r.logger.Info("starting service", "service", name)

		if err := service.Start(ctx); err != nil {
			r.logger.WithError(err).Error("failed to start service", "service", name)
			return errors.WrapWithField(
				errors.NewOperationError(errors.OpStartAll, fmt.Sprintf("failed to start service %s", name), err),
				"service", name)
		}

		// Wait for service to be healthy
		if err := r.waitForHealth(ctx, service); err != nil {
			return err
		}
	}

	return nil
}

// StopAll stops all services in reverse dependency order with the given grace
// period. Each service has the start taken by StartAll released once; one that
// is still not STOPPED afterwards was started elsewhere as well and is reported
// as a failure. A failing service does not stop the rest from being stopped;
// every failure is returned joined together.
func (r *Registry) StopAll(ctx context.Context, grace time.Duration) error {
	order, err := r.Order()
	if err != nil {
		return errors.NewOperationError(errors.OpStopAll, "dependency cycle detected", err)
	}

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		service, err := r.Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Info("stopping service", "service", name)

		if err := stopRecovering(ctx, service, grace); err != nil {
			r.logger.WithError(err).Error("error stopping service", "service", name)
			// Continue stopping other services
			errs = append(errs, err)
			continue
		}
		if err := stillHeld(service); err != nil {
			r.logger.WithError(err).Error("service still held after stop", "service", name)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// stillHeld reports a service that other starts keep out of STOPPED.
func stillHeld(s Service) error {
	state := s.State()
	if state == StateStopped {
		return nil
	}
	msg := fmt.Sprintf("service %s is still %s after stop", s.Name(), state)
	if rc, ok := s.(interface{ RefCount() int }); ok {
		msg = fmt.Sprintf("%s with %d unreleased starts", msg, rc.RefCount())
	}
	return errors.WrapWithField(errors.NewOperationError(errors.OpStopAll, msg, nil), "service", s.Name())
}

func stopRecovering(ctx context.Context, s Service, grace time.Duration) error {
	var f fault
	func() {
		defer f.capture()
		f.set(s.Stop(ctx, grace))
	}()
	if f.failed() {
		return errors.WrapWithField(
			errors.NewOperationError(errors.OpStopAll, fmt.Sprintf("failed to stop service %s", s.Name()), f.asError()),
			"service", s.Name())
	}
	return nil
}

// HealthCheck performs health checks on all services
func (r *Registry) HealthCheck() map[string]error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]error)
	for name, service := range r.services {
		results[name] = service.Health()
	}

	return results
}

// States returns the current state of every service.
func (r *Registry) States() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]State, len(r.services))
	for name, service := range r.services {
		results[name] = service.State()
	}
	return results
}

// Info is a point-in-time description of a registered service.
type Info struct {
	Name         string   `json:"name"`
	State        string   `json:"state"`
	Healthy      bool     `json:"healthy"`
	Error        string   `json:"error,omitempty"`
	RefCount     *int     `json:"ref_count,omitempty"`
	InFlight     *int     `json:"in_flight,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	SubServices  []string `json:"sub_services,omitempty"`
}

// Describe returns the current Info of the named service.
func (r *Registry) Describe(name string) (Info, error) {
	service, err := r.Get(name)
	if err != nil {
		return Info{}, err
	}
	return Describe(service), nil
}

// DescribeAll returns the Info of every service, sorted by name.
func (r *Registry) DescribeAll() []Info {
	names := r.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		if info, err := r.Describe(name); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Describe builds the Info of a service. Reference counts, in-flight work and
// sub-services are included when the service exposes them, as Base does.
func Describe(s Service) Info {
	info := Info{
		Name:         s.Name(),
		State:        s.State().String(),
		Dependencies: s.Dependencies(),
	}
	if err := s.Health(); err != nil {
		info.Error = err.Error()
	} else {
		info.Healthy = true
	}
	if rc, ok := s.(interface{ RefCount() int }); ok {
		n := rc.RefCount()
		info.RefCount = &n
	}
	if inf, ok := s.(interface{ InFlight() int }); ok {
		n := inf.InFlight()
		info.InFlight = &n
	}
	if ss, ok := s.(interface{ SubServices() []Startable }); ok {
		for _, sub := range ss.SubServices() {
			info.SubServices = append(info.SubServices, subServiceName(sub))
		}
	}
	return info
}

// waitForHealth waits for a service to become healthy
func (r *Registry) waitForHealth(ctx context.Context, service Service) error {
	if service.Health() == nil {
		return nil
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	r.mutex.RLock()
	timeout := time.After(r.healthTimeout)
	r.mutex.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return errors.NewOperationError(errors.OpStartAll, "interrupted waiting for health", ctx.Err())
		case <-timeout:
			return errors.NewOperationError(errors.OpStartAll,
				fmt.Sprintf("timeout waiting for service %s to become healthy", service.Name()), errors.ErrTimeout)
		case <-ticker.C:
			if err := service.Health(); err == nil {
				return nil
			}
		}
	}
}

// Helper functions for dependency resolution
func buildDependencyGraph(services map[string]Service) map[string][]string {
	graph := make(map[string][]string)

	for name, service := range services {
		graph[name] = service.Dependencies()
	}

	return graph
}

// topologicalSort orders the graph so every node follows its dependencies.
// Nodes are visited in name order so the result is deterministic.
func topologicalSort(graph map[string][]string) ([]string, error) {
	visited := make(map[string]bool)
	// nodes in the current recursion stack
	temp := make(map[string]bool)
	order := make([]string, 0, len(graph))

	var visit func(node string) error
	visit = func(node string) error {
		if temp[node] {
			return fmt.Errorf("dependency cycle detected involving service %s", node)
		}
		if visited[node] {
			return nil
		}

		temp[node] = true
		for _, dep := range graph[node] {
			// Skip if dependency doesn't exist (might be external)
			if _, exists := graph[dep]; !exists {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		temp[node] = false
		visited[node] = true

		// dependencies were appended first
		order = append(order, node)
		return nil
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		if !visited[node] {
			if err := visit(node); err != nil {
				return nil, err
			}
		}
	}

	return order, nil
}
