// pkg/errors/api.go
package errors

// API error codes
const (
	// APIErrBadRequest indicates a bad request
	APIErrBadRequest = "API_BAD_REQUEST"
	// APIErrUnauthorized indicates an unauthorized request
	APIErrUnauthorized = "API_UNAUTHORIZED"
	// APIErrForbidden indicates a forbidden request
	APIErrForbidden = "API_FORBIDDEN"
	// APIErrNotFound indicates a resource was not found
	APIErrNotFound = "API_NOT_FOUND"
	// APIErrConflict indicates the request conflicts with the service state
	APIErrConflict = "API_CONFLICT"
	// APIErrInternalServer indicates an internal server error
	APIErrInternalServer = "API_INTERNAL_SERVER"
	// APIErrServiceUnavailable indicates a service is unavailable
	APIErrServiceUnavailable = "API_SERVICE_UNAVAILABLE"
)

// API domain name
const APIDomain = "api"

// API operations
const (
	OpLogin          = "Login"
	OpGenerateToken  = "GenerateToken"
	OpListServices   = "ListServices"
	OpGetService     = "GetService"
	OpStartService   = "StartService"
	OpStopService    = "StopService"
	OpStartServer    = "StartServer"
	OpShutdownServer = "ShutdownServer"
)

// NewAPIError creates a new API error
func NewAPIError(code string, message string, err error) error {
	return &Error{
		Domain:   APIDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// APIWrapWithCode wraps an error with API domain and code
func APIWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    APIDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsAPIError checks if an error is an API error with the given code
func IsAPIError(err error, code string) bool {
	return HasCode(err, APIDomain, code)
}

// HTTPStatus returns the HTTP status code for an error. Lifecycle state and
// operation errors map to 409 since they describe a conflict with the current
// service state.
func HTTPStatus(err error) int {
	if IsStateError(err) || IsOperationError(err) {
		return 409
	}

	var domainErr *Error
	if !As(err, &domainErr) || domainErr.Domain != APIDomain {
		return 500
	}

	switch domainErr.Code {
	case APIErrBadRequest:
		return 400
	case APIErrUnauthorized:
		return 401
	case APIErrForbidden:
		return 403
	case APIErrNotFound:
		return 404
	case APIErrConflict:
		return 409
	case APIErrServiceUnavailable:
		return 503
	default:
		return 500
	}
}
