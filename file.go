package protectfs

import (
	"sync"

	"github.com/absfs/absfs"
	"go.uber.org/zap"
)

// File is an open protected file. All methods are safe for concurrent
// use; a single mutex serializes every operation, so the file behaves
// like a sequential stream shared between goroutines.
//
// Failures latch: once an operation fails for anything other than a bad
// argument, the file enters an error state and refuses further I/O until
// ClearError succeeds (or, for integrity violations, forever).
type File struct {
	mu    sync.Mutex
	inner fileInner
}

// fileInner carries all mutable state. Its methods assume the File mutex
// is held.
type fileInner struct {
	fs   absfs.FileSystem
	host HostFs
	log  *zap.Logger

	path         string // full host path
	recoveryPath string

	opts     OpenOptions
	conf     *Config
	readonly bool

	keys *fsKeyGen

	meta    *metadataInfo
	rootMht *fileNode
	cache   *nodeCache

	// journal is the open crash journal of an in-flight (or failed)
	// flush transaction; nil between transactions.
	journal *recoveryFile

	// hostNodes is the number of nodes present on the host file; a node
	// with physNumber >= hostNodes has never been flushed.
	hostNodes uint64

	offset int64
	eof    bool

	// needWriting covers the metadata payload (size, name, inline user
	// data) and the root MHT authenticator.
	needWriting bool

	status  FileStatus
	lastErr error
}

// size returns the current logical file size.
func (f *fileInner) size() int64 {
	return int64(f.meta.payload.size)
}

func (f *fileInner) setSize(n int64) {
	f.meta.payload.size = uint64(n)
}

// checkWritable gates mutating operations.
func (f *fileInner) checkWritable(op string) error {
	if err := f.checkStatus(op); err != nil {
		return err
	}
	if f.readonly {
		return fsErr(CodeAccessDenied, op, f.path, nil)
	}
	return nil
}

// checkStatus gates every operation on the latched state.
func (f *fileInner) checkStatus(op string) error {
	switch f.status {
	case StatusOK:
		return nil
	case StatusClosed:
		return fsErr(CodeBadStatus, op, f.path, ErrFileClosed)
	default:
		return fsErr(CodeBadStatus, op, f.path, ErrBadStatus)
	}
}

// setLastError latches an operation failure. Bad-argument errors
// (InvalidParameter, NameTooLong) do not change the file state; integrity
// violations latch MemoryCorrupted permanently; everything else lands in
// a retryable state chosen by the caller via fallback.
func (f *fileInner) setLastError(err error, fallback FileStatus) {
	if err == nil {
		return
	}
	code := Code(err)
	switch code {
	case CodeInvalidParameter, CodeNameTooLong, CodeBadStatus:
		return
	case CodeMacMismatch, CodeNameMismatch, CodeNotProtectedFile:
		f.status = StatusMemoryCorrupted
	default:
		if f.status == StatusOK {
			f.status = fallback
		}
	}
	f.lastErr = err
	f.log.Debug("protectfs: error latched",
		zap.String("path", f.path),
		zap.Stringer("status", f.status),
		zap.Error(err))
}

// LastError returns the latched error, or nil when the file is healthy.
func (f *File) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.lastErr
}

// Status returns the current file state.
func (f *File) Status() FileStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.status
}

// IsEOF reports whether the last Read stopped at end of file.
func (f *File) IsEOF() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.eof
}

// FileName returns the trusted name embedded in the metadata payload.
func (f *File) FileName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.meta.payload.name()
}

// ClearError attempts to leave a latched error state.
//
//   - FlushError: the in-memory state is intact; retry the full flush.
//   - WriteToDiskFailed: nodes are already re-encrypted; retry only the
//     disk write phase.
//   - MemoryCorrupted, Closed: not recoverable.
//
// On success the file returns to OK and the latched error is cleared.
func (f *File) ClearError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := &f.inner

	switch in.status {
	case StatusOK:
		in.lastErr = nil
		return nil
	case StatusFlushError:
		if err := in.internalFlush(); err != nil {
			return err
		}
	case StatusWriteToDiskFailed:
		if err := in.retryDiskWrite(); err != nil {
			return err
		}
	default:
		return fsErr(CodeBadStatus, "clear-error", in.path, ErrBadStatus)
	}
	in.status = StatusOK
	in.lastErr = nil
	return nil
}
