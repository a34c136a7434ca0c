// Package health provides health check capabilities for the application.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cmatc13/svckit/pkg/logging"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusUp indicates the component is healthy.
	StatusUp Status = "UP"
	// StatusDown indicates the component is unhealthy.
	StatusDown Status = "DOWN"
	// StatusUnknown indicates the component's health is unknown.
	StatusUnknown Status = "UNKNOWN"
)

// Check represents a health check for a component.
type Check struct {
	// Name is the name of the component being checked.
	Name string
	// Status is the health status of the component.
	Status Status
	// Message is an optional message providing more details about the health status.
	Message string
	// LastChecked is the time when the component was last checked.
	LastChecked time.Time
	// Error is an optional error that occurred during the health check.
	Error error
}

// MarshalJSON implements the json.Marshaler interface.
func (c Check) MarshalJSON() ([]byte, error) {
	var errorStr string
	if c.Error != nil {
		errorStr = c.Error.Error()
	}

	return json.Marshal(struct {
		Name        string    `json:"name"`
		Status      Status    `json:"status"`
		Message     string    `json:"message,omitempty"`
		LastChecked time.Time `json:"last_checked"`
		Error       string    `json:"error,omitempty"`
	}{
		Name:        c.Name,
		Status:      c.Status,
		Message:     c.Message,
		LastChecked: c.LastChecked,
		Error:       errorStr,
	})
}

// Checker defines a function that performs a health check.
type Checker func(ctx context.Context) Check

// Registry manages health checks for the application.
type Registry struct {
	checks map[string]Checker
	mutex  sync.RWMutex
	logger *logging.Logger
}

// NewRegistry creates a new health check registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		checks: make(map[string]Checker),
		logger: logger,
	}
}

// Register adds a health check to the registry.
func (r *Registry) Register(name string, checker Checker) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.checks[name] = checker
	r.logger.Info("Registered health check", "name", name)
}

// Unregister removes a health check from the registry.
func (r *Registry) Unregister(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.checks, name)
	r.logger.Info("Unregistered health check", "name", name)
}

// RunChecks runs all registered health checks.
func (r *Registry) RunChecks(ctx context.Context) map[string]Check {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]Check)
	for name, checker := range r.checks {
		r.logger.Debug("Running health check", "name", name)
		results[name] = checker(ctx)
	}

	return results
}

// IsHealthy returns true if all health checks are passing.
func (r *Registry) IsHealthy(ctx context.Context) bool {
	checks := r.RunChecks(ctx)
	for _, check := range checks {
		if check.Status != StatusUp {
			return false
		}
	}
	return true
}

// Handler returns an HTTP handler for health checks.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		checks := r.RunChecks(ctx)

		// Determine overall status
		status := StatusUp
		for _, check := range checks {
			if check.Status == StatusDown {
				status = StatusDown
				break
			} else if check.Status == StatusUnknown && status != StatusDown {
				status = StatusUnknown
			}
		}

		// Headers must be set before the status code is written
		w.Header().Set("Content-Type", "application/json")
		if status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		// Build response
		response := struct {
			Status    Status           `json:"status"`
			Timestamp time.Time        `json:"timestamp"`
			Checks    map[string]Check `json:"checks"`
		}{
			Status:    status,
			Timestamp: time.Now(),
			Checks:    checks,
		}

		if err := json.NewEncoder(w).Encode(response); err != nil {
			r.logger.Error("Failed to encode health check response", "error", err)
		}
	})
}

// checker builds a Checker that reports kind/name as up when fn returns nil.
func checker(name, kind, subject string, fn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		check := Check{
			Name:        name,
			Status:      StatusUnknown,
			LastChecked: time.Now(),
		}

		if err := fn(ctx); err != nil {
			check.Status = StatusDown
			check.Error = err
			check.Message = fmt.Sprintf("%s %s is unhealthy: %v", kind, subject, err)
		} else {
			check.Status = StatusUp
			check.Message = fmt.Sprintf("%s %s is healthy", kind, subject)
		}

		return check
	}
}

// ServiceChecker creates a health check for a service.
func ServiceChecker(serviceName string, checkFn func(ctx context.Context) error) Checker {
	return checker(serviceName, "Service", serviceName, checkFn)
}

// LifecycleChecker creates a health check that reports a service's lifecycle
// state alongside its health.
func LifecycleChecker(name string, state func() string, healthFn func() error) Checker {
	return func(ctx context.Context) Check {
		check := ServiceChecker(name, func(context.Context) error { return healthFn() })(ctx)
		check.Message = fmt.Sprintf("%s [%s]", check.Message, state())
		return check
	}
}

// RedisChecker creates a health check for Redis.
func RedisChecker(redisAddr string, pingFn func(ctx context.Context) error) Checker {
	return checker("redis", "Redis at", redisAddr, pingFn)
}

// KafkaChecker creates a health check for Kafka.
func KafkaChecker(kafkaBrokers string, checkFn func(ctx context.Context) error) Checker {
	return checker("kafka", "Kafka at", kafkaBrokers, checkFn)
}

// DependencyChecker creates a health check for a dependency.
func DependencyChecker(dependencyName string, checkFn func(ctx context.Context) error) Checker {
	return checker(dependencyName, "Dependency", dependencyName, checkFn)
}
