package protectfs

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/absfs/absfs"
	"golang.org/x/sys/unix"
)

// HostFs is the untrusted storage a protected file sits on: a flat array
// of 4 KiB nodes addressed by physical number. Implementations need no
// integrity of their own; everything read back is authenticated before
// use.
type HostFs interface {
	// ReadNode fills buf (NodeSize bytes) from the given physical node.
	// Reading past the end of the host file is an error.
	ReadNode(physNumber uint64, buf []byte) error
	// WriteNode stores buf (NodeSize bytes) at the given physical node,
	// extending the host file as needed.
	WriteNode(physNumber uint64, buf []byte) error
	// Flush pushes buffered writes toward stable storage.
	Flush() error
	// Size returns the current host file size in bytes.
	Size() (int64, error)
	// Close releases the host file and any lock held on it.
	Close() error
}

// hostFile implements HostFs over an absfs.File, holding an advisory
// lock for the lifetime of the handle when the underlying filesystem
// exposes a descriptor.
type hostFile struct {
	file   absfs.File
	locked bool
}

// openHostFile opens or creates the backing file at path on fs. A
// read-only protected file takes a shared lock, a writable one an
// exclusive lock.
func openHostFile(fs absfs.FileSystem, path string, readonly bool) (*hostFile, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readonly {
		flag = os.O_RDONLY
	}
	f, err := fs.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, fsErr(CodeIOError, "open-host", path, err)
	}

	h := &hostFile{file: f}
	if err := h.lock(readonly); err != nil {
		f.Close()
		return nil, fsErr(CodeBusy, "lock-host", path, err)
	}
	return h, nil
}

// lock takes an advisory flock when the file exposes a real descriptor.
// In-memory filesystems used in tests have no descriptor; single-process
// exclusion there is the caller's problem.
func (h *hostFile) lock(readonly bool) error {
	fd, ok := h.fd()
	if !ok {
		return nil
	}
	how := unix.LOCK_EX | unix.LOCK_NB
	if readonly {
		how = unix.LOCK_SH | unix.LOCK_NB
	}
	if err := unix.Flock(fd, how); err != nil {
		return err
	}
	h.locked = true
	return nil
}

func (h *hostFile) fd() (int, bool) {
	type hasFd interface{ Fd() uintptr }
	if f, ok := h.file.(hasFd); ok {
		return int(f.Fd()), true
	}
	return 0, false
}

func (h *hostFile) ReadNode(physNumber uint64, buf []byte) error {
	n, err := h.file.ReadAt(buf, int64(physNumber)*NodeSize)
	if err != nil {
		return fsErr(CodeIOError, "read-host", h.file.Name(), err)
	}
	if n != len(buf) {
		return fsErr(CodeIOError, "read-host", h.file.Name(), errShortIO)
	}
	return nil
}

func (h *hostFile) WriteNode(physNumber uint64, buf []byte) error {
	n, err := h.file.WriteAt(buf, int64(physNumber)*NodeSize)
	if err != nil {
		return fsErr(CodeIOError, "write-host", h.file.Name(), err)
	}
	if n != len(buf) {
		return fsErr(CodeIOError, "write-host", h.file.Name(), errShortIO)
	}
	return nil
}

func (h *hostFile) Size() (int64, error) {
	info, err := h.file.Stat()
	if err != nil {
		return 0, fsErr(CodeIOError, "stat-host", h.file.Name(), err)
	}
	return info.Size(), nil
}

func (h *hostFile) Flush() error {
	if err := h.file.Sync(); err != nil {
		return fsErr(CodeIOError, "flush-host", h.file.Name(), err)
	}
	return nil
}

func (h *hostFile) Close() error {
	if h.locked {
		if fd, ok := h.fd(); ok {
			unix.Flock(fd, unix.LOCK_UN)
		}
		h.locked = false
	}
	if err := h.file.Close(); err != nil {
		return fsErr(CodeIOError, "close-host", h.file.Name(), err)
	}
	return nil
}

// hostFileSize returns the size of the backing file in bytes.
func hostFileSize(fs absfs.FileSystem, path string) (int64, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// hostExists reports whether a host path exists.
func hostExists(fs absfs.FileSystem, path string) bool {
	_, err := fs.Stat(path)
	return err == nil
}

// recoveryFile is the append-only crash journal beside a protected file.
// Each record is the physical node number followed by the node's prior
// on-disk ciphertext.
type recoveryFile struct {
	fs   absfs.FileSystem
	path string
	file absfs.File
}

// Opening the journal can race a concurrent recovery of the same file;
// retry briefly before reporting the path busy.
const (
	recoveryOpenRetries = 3
	recoveryOpenDelay   = 50 * time.Millisecond
)

// createRecoveryFile creates (truncating) the journal at path.
func createRecoveryFile(fs absfs.FileSystem, path string) (*recoveryFile, error) {
	var f absfs.File
	var err error
	for i := 0; i < recoveryOpenRetries; i++ {
		f, err = fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
		if err == nil {
			break
		}
		time.Sleep(recoveryOpenDelay)
	}
	if err != nil {
		return nil, fsErr(CodeIOError, "create-recovery", path, err)
	}
	return &recoveryFile{fs: fs, path: path, file: f}, nil
}

// WriteRecord appends one journal record.
func (r *recoveryFile) WriteRecord(physNumber uint64, ciphertext []byte) error {
	var rec [recoveryNodeSize]byte
	binary.LittleEndian.PutUint64(rec[:8], physNumber)
	copy(rec[8:], ciphertext)

	n, err := r.file.Write(rec[:])
	if err != nil {
		return fsErr(CodeIOError, "write-recovery", r.path, err)
	}
	if n != len(rec) {
		return fsErr(CodeIOError, "write-recovery", r.path, errShortIO)
	}
	return nil
}

func (r *recoveryFile) Flush() error {
	if err := r.file.Sync(); err != nil {
		return fsErr(CodeIOError, "flush-recovery", r.path, err)
	}
	return nil
}

// Close closes the journal handle without removing it.
func (r *recoveryFile) Close() error {
	return r.file.Close()
}

// CloseAndRemove discards the journal after a completed flush.
func (r *recoveryFile) CloseAndRemove() error {
	if err := r.file.Close(); err != nil {
		return fsErr(CodeIOError, "close-recovery", r.path, err)
	}
	if err := r.fs.Remove(r.path); err != nil {
		return fsErr(CodeIOError, "remove-recovery", r.path, err)
	}
	return nil
}

// readRecoveryRecords streams the journal's records to fn. A trailing
// partial record means the protecting process died mid-journal; the
// journal is then unusable and the error is reported.
func readRecoveryRecords(fs absfs.FileSystem, path string, fn func(physNumber uint64, ciphertext []byte) error) error {
	f, err := fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fsErr(CodeIOError, "open-recovery", path, err)
	}
	defer f.Close()

	var rec [recoveryNodeSize]byte
	for {
		n, err := io.ReadFull(f, rec[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF && n > 0 {
				return fsErr(CodeNotSupported, "read-recovery", path, errShortIO)
			}
			return fsErr(CodeIOError, "read-recovery", path, err)
		}
		phys := binary.LittleEndian.Uint64(rec[:8])
		if err := fn(phys, rec[8:]); err != nil {
			return err
		}
	}
}
