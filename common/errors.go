package common

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	// NotFoundError indicates that an LBID, OID, partition or segment is not present in the extent map.
	NotFoundError ErrorCode = iota
	// ResourceExhaustedError indicates that the free list has no range large enough, or that a
	// segment could not grow enough to hold a new entry.
	ResourceExhaustedError
	// InvariantViolationError indicates a broken internal contract, e.g. overlapping LBID ranges or
	// the columns of one stripe landing in different partitions.
	InvariantViolationError
	// IOError wraps a failure of the underlying file system while loading or saving.
	IOError
	// PartitionAlreadyDisabledError is returned when disabling a partition that is already out of service.
	PartitionAlreadyDisabledError
	// PartitionAlreadyEnabledError is returned when restoring a partition that is not out of service.
	PartitionAlreadyEnabledError
	// InvalidArgumentError indicates a malformed request.
	InvalidArgumentError
	// ReadOnlyError indicates a mutation attempted on an index that was frozen after an unrecoverable
	// allocation failure.
	ReadOnlyError
)

func (ec ErrorCode) String() string {
	switch ec {
	case NotFoundError:
		return "NotFoundError"
	case ResourceExhaustedError:
		return "ResourceExhaustedError"
	case InvariantViolationError:
		return "InvariantViolationError"
	case IOError:
		return "IOError"
	case PartitionAlreadyDisabledError:
		return "PartitionAlreadyDisabledError"
	case PartitionAlreadyEnabledError:
		return "PartitionAlreadyEnabledError"
	case InvalidArgumentError:
		return "InvalidArgumentError"
	case ReadOnlyError:
		return "ReadOnlyError"
	}
	return "unknown"
}

// ExtentMapError is the error type returned by the extent map and its indexes. It carries an
// ErrorCode so callers can tell an expected miss (NotFoundError) from a fatal condition, and
// optionally wraps the underlying cause.
type ExtentMapError struct {
	Code      ErrorCode
	ErrString string
	Cause     error
}

func (e ExtentMapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("err: %s; msg: %s: %v", e.Code.String(), e.ErrString, e.Cause)
	}
	return fmt.Sprintf("err: %s; msg: %s", e.Code.String(), e.ErrString)
}

func (e ExtentMapError) Unwrap() error {
	return e.Cause
}

// Errorf builds an ExtentMapError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) error {
	return ExtentMapError{Code: code, ErrString: fmt.Sprintf(format, args...)}
}

// WrapError builds an ExtentMapError around an underlying cause.
func WrapError(code ErrorCode, cause error, format string, args ...any) error {
	return ExtentMapError{Code: code, ErrString: fmt.Sprintf(format, args...), Cause: cause}
}

// IsCode reports whether err (or anything it wraps) is an ExtentMapError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var emErr ExtentMapError
	if errors.As(err, &emErr) {
		return emErr.Code == code
	}
	return false
}
