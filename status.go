package protectfs

// FileStatus is the state of a protected file's error latch. A file in
// any state other than StatusOK rejects mutating operations until
// ClearError succeeds.
type FileStatus int

const (
	// StatusNotInitialized is the zero state before open completes.
	StatusNotInitialized FileStatus = iota
	// StatusOK means the file is usable.
	StatusOK
	// StatusFlushError means a flush failed before any host write; the
	// recovery journal, if written, is still in place.
	StatusFlushError
	// StatusWriteToDiskFailed means a host write failed mid-flush; the
	// on-disk state may be inconsistent and recoverable via the journal.
	StatusWriteToDiskFailed
	// StatusCryptoError means a cryptographic operation failed while
	// updating nodes.
	StatusCryptoError
	// StatusMemoryCorrupted means tag verification failed on a resident
	// node; in-memory state is untrustworthy.
	StatusMemoryCorrupted
	// StatusClosed means the file has been closed.
	StatusClosed
)

// IsOK reports whether the file is usable.
func (s FileStatus) IsOK() bool {
	return s == StatusOK
}

// String returns the string representation of the status.
func (s FileStatus) String() string {
	switch s {
	case StatusNotInitialized:
		return "not initialized"
	case StatusOK:
		return "ok"
	case StatusFlushError:
		return "flush error"
	case StatusWriteToDiskFailed:
		return "write to disk failed"
	case StatusCryptoError:
		return "crypto error"
	case StatusMemoryCorrupted:
		return "memory corrupted"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}
