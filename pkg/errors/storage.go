// pkg/errors/storage.go
package errors

// Storage error codes
const (
	// StorageErrConnection indicates a connection error
	StorageErrConnection = "STORAGE_CONNECTION"
	// StorageErrRead indicates a read error
	StorageErrRead = "STORAGE_READ"
	// StorageErrWrite indicates a write error
	StorageErrWrite = "STORAGE_WRITE"
	// StorageErrNotFound indicates a resource was not found
	StorageErrNotFound = "STORAGE_NOT_FOUND"
	// StorageErrSerialization indicates a serialization error
	StorageErrSerialization = "STORAGE_SERIALIZATION"
)

// Storage domain name
const StorageDomain = "storage"

// Storage operations
const (
	OpConnect    = "Connect"
	OpDisconnect = "Disconnect"
	OpGet        = "Get"
	OpPublish    = "Publish"
	OpList       = "List"
	OpSerialize  = "Serialize"
)

// NewStorageError creates a new storage error
func NewStorageError(code string, message string, err error) error {
	return &Error{
		Domain:   StorageDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// StorageWrapWithCode wraps an error with storage domain and code
func StorageWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    StorageDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsStorageError checks if an error is a storage error with the given code
func IsStorageError(err error, code string) bool {
	return HasCode(err, StorageDomain, code)
}
