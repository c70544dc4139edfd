// Package apperr defines the error taxonomy shared across slabsync.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrUnsupportedIndex = errors.New("unsupported index")
	ErrInvalidRecord    = errors.New("invalid record")
	ErrInvalidMutation  = errors.New("invalid mutation")
	ErrOffline          = errors.New("offline")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRejected         = errors.New("rejected by server")
)

// StorageError reports a failed local persistence operation.
// Storage errors are never retried by the store itself.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Storage wraps err as a StorageError for op. A nil err stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err carries a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// DispatchError reports a failed remote call for a queued mutation or a
// cache refresh. Status is zero when no response was received.
type DispatchError struct {
	Seq      int64
	Method   string
	Endpoint string
	Status   int
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dispatch %s %s: status %d", e.Method, e.Endpoint, e.Status)
	}
	return fmt.Sprintf("dispatch %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is maps response statuses onto the ErrUnauthorized and ErrRejected sentinels.
func (e *DispatchError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrRejected:
		return e.Status == http.StatusConflict ||
			e.Status == http.StatusPreconditionFailed ||
			e.Status == http.StatusUnprocessableEntity
	}
	return false
}
