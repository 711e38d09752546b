package activity

import (
	"errors"
	"fmt"
)

// Error kinds shared by every store. Match them with errors.Is.
var (
	// ErrNotConfigured reports that the remote store is unreachable or unset.
	ErrNotConfigured = errors.New("NOT_CONFIGURED")
	// ErrBadRequest reports malformed input rejected before any mutation.
	ErrBadRequest = errors.New("BAD_REQUEST")
	// ErrAlreadyActive reports a session acquisition conflict.
	ErrAlreadyActive = errors.New("ALREADY_ACTIVE")
	// ErrBackend reports a network or storage failure.
	ErrBackend = errors.New("BACKEND_ERROR")
)

var kinds = []error{ErrNotConfigured, ErrBadRequest, ErrAlreadyActive, ErrBackend}

// ServiceError carries an operation code alongside an error kind and its cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the "<operation>.<reason>" code.
func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError for operation and reason. kind should be one of the
// package error kinds; when nil it is inferred from cause, defaulting to ErrBackend.
func NewServiceError(operation, reason string, kind, cause error) error {
	if kind == nil {
		kind = KindOf(cause)
	}
	return &ServiceError{
		code: fmt.Sprintf("%s.%s", operation, reason),
		kind: kind,
		err:  cause,
	}
}

// KindOf returns the error kind err matches, or ErrBackend for any other non-nil error.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrBackend
}

// CodeOf returns the ServiceError code in err's chain, or the kind name.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	if kind := KindOf(err); kind != nil {
		return kind.Error()
	}
	return ""
}
