// pkg/errors/service.go
package errors

// Service lifecycle error codes
const (
	// ServiceErrOperation indicates a start or stop attempt failed, either because the
	// calling goroutine was cancelled or because a cooperating goroutine's attempt failed.
	ServiceErrOperation = "SERVICE_OPERATION"
	// ServiceErrState indicates an operation was attempted in an incompatible state
	ServiceErrState = "SERVICE_STATE"
	// ServiceErrInvariant indicates a broken lifecycle invariant (a programming error)
	ServiceErrInvariant = "SERVICE_INVARIANT"
)

// Service domain name
const ServiceDomain = "service"

// Service operations
const (
	OpStart           = "Start"
	OpStop            = "Stop"
	OpExecute         = "Execute"
	OpWait            = "Wait"
	OpStartSubService = "StartSubService"
	OpStartAll        = "StartAll"
	OpStopAll         = "StopAll"
	OpRegister        = "Register"
)

// NewOperationError creates a new operation error
func NewOperationError(operation string, message string, err error) error {
	return &Error{
		Domain:    ServiceDomain,
		Code:      ServiceErrOperation,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// NewStateError creates a new state error
func NewStateError(operation string, message string, err error) error {
	return &Error{
		Domain:    ServiceDomain,
		Code:      ServiceErrState,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// NewInvariantError creates a new invariant error
func NewInvariantError(operation string, message string) error {
	return &Error{
		Domain:    ServiceDomain,
		Code:      ServiceErrInvariant,
		Operation: operation,
		Message:   message,
	}
}

// IsOperationError checks if an error is a service operation error
func IsOperationError(err error) bool {
	return HasCode(err, ServiceDomain, ServiceErrOperation)
}

// IsStateError checks if an error is a service state error
func IsStateError(err error) bool {
	return HasCode(err, ServiceDomain, ServiceErrState)
}

// IsInvariantError checks if an error is a service invariant error
func IsInvariantError(err error) bool {
	return HasCode(err, ServiceDomain, ServiceErrInvariant)
}
