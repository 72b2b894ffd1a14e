package protectfs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorCode is the closed set of failure categories a protected file can
// report. The POSIX-mapped codes translate to errno values via Errno; the
// remaining codes are internal to the protected file format.
type ErrorCode int

const (
	// CodeOK means no error.
	CodeOK ErrorCode = iota

	// CodeInvalidParameter maps to EINVAL.
	CodeInvalidParameter
	// CodeNotFound maps to ENOENT.
	CodeNotFound
	// CodeAccessDenied maps to EACCES.
	CodeAccessDenied
	// CodeBusy maps to EBUSY.
	CodeBusy
	// CodeNotSupported maps to ENOTSUP.
	CodeNotSupported
	// CodeNameTooLong maps to ENAMETOOLONG.
	CodeNameTooLong
	// CodeIOError maps to EIO.
	CodeIOError
	// CodeOutOfMemory maps to ENOMEM.
	CodeOutOfMemory

	// CodeNotProtectedFile means the host file is not a protected file
	// (bad magic or unsupported major version).
	CodeNotProtectedFile
	// CodeRecoveryNeeded means the metadata update flag was set on open;
	// the file needs a journal replay before it can be used.
	CodeRecoveryNeeded
	// CodeNameMismatch means the name embedded in the metadata payload
	// does not match the name the file was opened with.
	CodeNameMismatch
	// CodeMacMismatch means an AES-GCM tag verification failed.
	CodeMacMismatch
	// CodeCryptoError means a cryptographic operation failed for a reason
	// other than tag verification.
	CodeCryptoError
	// CodeBadStatus means the file is in a latched error state (or
	// closed) and cannot serve the operation.
	CodeBadStatus
	// CodeUnexpected means an internal invariant was violated.
	CodeUnexpected
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidParameter:
		return "invalid parameter"
	case CodeNotFound:
		return "not found"
	case CodeAccessDenied:
		return "access denied"
	case CodeBusy:
		return "busy"
	case CodeNotSupported:
		return "not supported"
	case CodeNameTooLong:
		return "name too long"
	case CodeIOError:
		return "io error"
	case CodeOutOfMemory:
		return "out of memory"
	case CodeNotProtectedFile:
		return "not a protected file"
	case CodeRecoveryNeeded:
		return "recovery needed"
	case CodeNameMismatch:
		return "name mismatch"
	case CodeMacMismatch:
		return "mac mismatch"
	case CodeCryptoError:
		return "crypto error"
	case CodeBadStatus:
		return "bad status"
	case CodeUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Errno maps a POSIX-compatible error code to its errno value. Internal
// codes map to 0.
func (c ErrorCode) Errno() unix.Errno {
	switch c {
	case CodeInvalidParameter:
		return unix.EINVAL
	case CodeNotFound:
		return unix.ENOENT
	case CodeAccessDenied:
		return unix.EACCES
	case CodeBusy:
		return unix.EBUSY
	case CodeNotSupported:
		return unix.ENOTSUP
	case CodeNameTooLong:
		return unix.ENAMETOOLONG
	case CodeIOError:
		return unix.EIO
	case CodeOutOfMemory:
		return unix.ENOMEM
	default:
		return 0
	}
}

// FsError is the structured error returned by protected file operations.
type FsError struct {
	Code ErrorCode // Failure category
	Op   string    // Operation that failed ("open", "read", "flush", ...)
	Path string    // Host path, if applicable
	Err  error     // Underlying error, if any
}

func (e *FsError) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("protectfs: %s %s: %s: %v", e.Op, e.Path, e.Code, e.Err)
	case e.Path != "":
		return fmt.Sprintf("protectfs: %s %s: %s", e.Op, e.Path, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("protectfs: %s: %s: %v", e.Op, e.Code, e.Err)
	default:
		return fmt.Sprintf("protectfs: %s: %s", e.Op, e.Code)
	}
}

func (e *FsError) Unwrap() error {
	return e.Err
}

// Is matches any *FsError carrying the same code, so the package
// sentinels work with errors.Is across wrapping.
func (e *FsError) Is(target error) bool {
	fe, ok := target.(*FsError)
	if !ok {
		return false
	}
	return e.Code == fe.Code
}

// Sentinel errors for the failure categories callers commonly branch on.
var (
	ErrInvalidParameter = &FsError{Code: CodeInvalidParameter}
	ErrNotFound         = &FsError{Code: CodeNotFound}
	ErrAccessDenied     = &FsError{Code: CodeAccessDenied}
	ErrBusy             = &FsError{Code: CodeBusy}
	ErrNotSupported     = &FsError{Code: CodeNotSupported}
	ErrNameTooLong      = &FsError{Code: CodeNameTooLong}
	ErrIOError          = &FsError{Code: CodeIOError}
	ErrNotProtectedFile = &FsError{Code: CodeNotProtectedFile}
	ErrRecoveryNeeded   = &FsError{Code: CodeRecoveryNeeded}
	ErrNameMismatch     = &FsError{Code: CodeNameMismatch}
	ErrMacMismatch      = &FsError{Code: CodeMacMismatch}
	ErrCryptoError      = &FsError{Code: CodeCryptoError}
	ErrUnexpected       = &FsError{Code: CodeUnexpected}

	// ErrFileClosed is returned by operations on a closed file.
	ErrFileClosed = errors.New("protectfs: file is closed")
	// ErrBadStatus is returned by mutating operations while an error is
	// latched on the file.
	ErrBadStatus = errors.New("protectfs: file status is not ok")
	// ErrNilBuffer is returned when a nil buffer is passed to Read or
	// Write.
	ErrNilBuffer = errors.New("protectfs: buffer cannot be nil")
)

// Causes attached to parameter errors.
var (
	errBadAccessMode     = errors.New("exactly one of read, write, append must be set")
	errInvalidCacheSize  = errors.New("cache size must be a multiple of the node size and at least the default")
	errNilSealer         = errors.New("key sealer is required for auto-key modes")
	errZeroKey           = errors.New("key cannot be all zeroes")
	errEmptyName         = errors.New("file name cannot be empty")
	errShortIO           = errors.New("short read or write on host file")
	errKeySchemeMismatch = errors.New("file key scheme does not match the open mode")
)

// fsErr builds an *FsError for an operation.
func fsErr(code ErrorCode, op, path string, err error) *FsError {
	return &FsError{Code: code, Op: op, Path: path, Err: err}
}

// Code extracts the ErrorCode from an error chain; CodeUnexpected if the
// chain carries no *FsError (CodeOK for nil).
func Code(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	var fe *FsError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUnexpected
}

// IsRecoveryNeeded reports whether the error chain indicates the file
// needs a journal replay.
func IsRecoveryNeeded(err error) bool {
	return Code(err) == CodeRecoveryNeeded
}

// IsMacMismatch reports whether the error chain indicates an
// authentication tag verification failure.
func IsMacMismatch(err error) bool {
	return Code(err) == CodeMacMismatch
}

// IsNameMismatch reports whether the error chain indicates the embedded
// file name did not match.
func IsNameMismatch(err error) bool {
	return Code(err) == CodeNameMismatch
}
