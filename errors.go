package cowdisk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// ErrorCode enumerates the engine's error categories (§7).
type ErrorCode int

const (
	// Unknown is an unspecified error condition.
	Unknown ErrorCode = iota
	// InvalidHandle means the chain-handle ID is stale or unused.
	InvalidHandle
	// BadParam means a grain-misaligned I/O, zero-length request past end-of-disk,
	// invalid commit level argument, or similar caller error.
	BadParam
	// LimitExceeded means the request extends past the virtual disk size, or
	// too many redo logs are already in the chain.
	LimitExceeded
	// NoMemory is any allocation failure.
	NoMemory
	// NoResources covers the leaf-cache-entry write-lock timeout and similar
	// resource-exhaustion conditions that are not plain memory allocation failures.
	NoResources
	// NotSupported means the on-disk magic or version did not match.
	NotSupported
	// MetadataReadError is an I/O failure while touching the root table or a leaf.
	MetadataReadError
	// MetadataWriteError is an I/O failure while writing the root table or a leaf.
	MetadataWriteError
	// ReadError is an I/O failure on a data path read.
	ReadError
	// WriteError is an I/O failure on a data path write.
	WriteError
	// Busy means close was attempted while metadata queues are non-empty, or
	// open was attempted while an open is already in progress on the same handle.
	Busy
	// Closing marks a chain rwlock upgrade race or a use-after-close attempt.
	Closing
)

func (c ErrorCode) String() string {
	switch c {
	case InvalidHandle:
		return "InvalidHandle"
	case BadParam:
		return "BadParam"
	case LimitExceeded:
		return "LimitExceeded"
	case NoMemory:
		return "NoMemory"
	case NoResources:
		return "NoResources"
	case NotSupported:
		return "NotSupported"
	case MetadataReadError:
		return "MetadataReadError"
	case MetadataWriteError:
		return "MetadataWriteError"
	case ReadError:
		return "ReadError"
	case WriteError:
		return "WriteError"
	case Busy:
		return "Busy"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Error is the engine's error type: a category code, the wrapped cause, and
// optional caller-supplied context.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.UserData != nil {
		return fmt.Errorf("%s: %w (data: %v)", e.Code, e.Err, e.UserData).Error()
	}
	return fmt.Errorf("%s: %w", e.Code, e.Err).Error()
}

// Unwrap allows errors.Is / errors.As to see through to the wrapped cause.
func (e Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error with the given code and cause.
func NewError(code ErrorCode, err error) Error {
	return Error{Code: code, Err: err}
}

// NewErrorWithData builds an Error with the given code, cause and user data.
func NewErrorWithData(code ErrorCode, err error, userData any) Error {
	return Error{Code: code, Err: err, UserData: userData}
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a cowdisk.Error,
// else returns Unknown.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// ShouldRetry reports whether err is a transient condition worth retrying at
// the diskio adapter boundary. The engine core itself never retries (§7) --
// this classifier exists for diskio implementations only.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrExist) {
		return false
	}
	switch {
	case errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.ENAMETOOLONG),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.EISDIR),
		errors.Is(err, syscall.ENOTEMPTY),
		errors.Is(err, syscall.EINVAL):
		return false
	}
	if strings.Contains(err.Error(), "read-only file system") {
		return false
	}
	return true
}
