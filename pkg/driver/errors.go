package driver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status represents a driver operation status code
type Status int

// Status codes shared by every package of the driver
const (
	StatusSuccess              Status = 0
	StatusInvalidArgument      Status = 1
	StatusResourceExhausted    Status = 2
	StatusUnsupportedOperation Status = 3
	StatusNotFound             Status = 4
	StatusPermissionDenied     Status = 5
	StatusDeviceBusy           Status = 6
	StatusInternalFailure      Status = 7
	StatusOperationFailed      Status = 8
)

var statusMessages = map[Status]string{
	StatusSuccess:              "success",
	StatusInvalidArgument:      "invalid argument",
	StatusResourceExhausted:    "resource exhausted",
	StatusUnsupportedOperation: "unsupported operation",
	StatusNotFound:             "not found",
	StatusPermissionDenied:     "permission denied",
	StatusDeviceBusy:           "device busy",
	StatusInternalFailure:      "internal failure",
	StatusOperationFailed:      "operation failed",
}

// String returns the human-readable status message
func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// DriverError represents an error from the driver core
type DriverError struct {
	Status  Status
	Context string
	Cause   error
}

// Error implements the error interface
func (e *DriverError) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, e.Status.String(), e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Status.String())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status.String(), e.Cause)
	}
	return e.Status.String()
}

// Unwrap returns the underlying cause
func (e *DriverError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target status
func (e *DriverError) Is(target error) bool {
	var drvErr *DriverError
	if errors.As(target, &drvErr) {
		return e.Status == drvErr.Status
	}
	return false
}

// Sentinels for errors.Is matching by status
var (
	ErrInvalidArgument      = NewError(StatusInvalidArgument, "")
	ErrResourceExhausted    = NewError(StatusResourceExhausted, "")
	ErrUnsupportedOperation = NewError(StatusUnsupportedOperation, "")
	ErrNotFound             = NewError(StatusNotFound, "")
	ErrOperationFailed      = NewError(StatusOperationFailed, "")
)

// NewError creates a new DriverError with the given status
func NewError(status Status, context string) *DriverError {
	return &DriverError{
		Status:  status,
		Context: context,
	}
}

// NewErrorWithCause creates a new DriverError with an underlying cause
func NewErrorWithCause(status Status, context string, cause error) *DriverError {
	return &DriverError{
		Status:  status,
		Context: context,
		Cause:   cause,
	}
}

// InvalidArgument is shorthand for the most common validation failure
func InvalidArgument(format string, args ...any) *DriverError {
	return NewError(StatusInvalidArgument, fmt.Sprintf(format, args...))
}

// StatusOf extracts the status carried by err, or StatusOperationFailed
// for foreign errors. A nil error is StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var drvErr *DriverError
	if errors.As(err, &drvErr) {
		return drvErr.Status
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return ErrnoToStatus(errno)
	}
	return StatusOperationFailed
}

// ErrnoToStatus converts a Linux errno to a driver status
func ErrnoToStatus(errno unix.Errno) Status {
	switch errno {
	case unix.ENOMEM, unix.ENOSPC, unix.ENOBUFS, unix.EAGAIN:
		return StatusResourceExhausted
	case unix.EINVAL, unix.EFAULT, unix.ERANGE:
		return StatusInvalidArgument
	case unix.EPERM, unix.EACCES:
		return StatusPermissionDenied
	case unix.ENOENT, unix.ENODEV, unix.ENXIO:
		return StatusNotFound
	case unix.EBUSY:
		return StatusDeviceBusy
	case unix.ENOTSUP, unix.ENOTTY, unix.ENOSYS:
		return StatusUnsupportedOperation
	default:
		return StatusOperationFailed
	}
}

// StatusFromErrno creates a DriverError from an errno
func StatusFromErrno(errno unix.Errno, context string) *DriverError {
	return &DriverError{
		Status:  ErrnoToStatus(errno),
		Context: context,
		Cause:   errno,
	}
}

// FromSyscall converts the error of a unix call into a DriverError,
// keeping errno information when present.
func FromSyscall(err error, context string) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return StatusFromErrno(errno, context)
	}
	return NewErrorWithCause(StatusOperationFailed, context, err)
}
