package protectfs

import (
	"github.com/absfs/absfs"
)

// RecoveryPath returns the journal path used for a protected file.
func RecoveryPath(path string) string {
	return path + "_recovery"
}

// Recover rolls a protected file back to its last consistent state by
// replaying the crash journal over the host file. It is invoked
// automatically when Open finds the metadata update flag set, and may be
// called directly by tooling. Replaying a journal against an already
// consistent file is harmless: the journal holds the pre-transaction
// ciphertext of every node the interrupted flush could have touched.
func Recover(fs absfs.FileSystem, path string) error {
	return recoverHostFile(fs, path, RecoveryPath(path))
}

func recoverHostFile(fs absfs.FileSystem, path, recoveryPath string) error {
	size, err := hostFileSize(fs, path)
	if err != nil {
		return fsErr(CodeNotFound, "recover", path, err)
	}
	if size%NodeSize != 0 {
		return fsErr(CodeNotProtectedFile, "recover", path, nil)
	}

	host, err := openHostFile(fs, path, false)
	if err != nil {
		return err
	}
	defer host.Close()

	nodeCount := uint64(size / NodeSize)
	err = readRecoveryRecords(fs, recoveryPath, func(physNumber uint64, ciphertext []byte) error {
		// Records beyond the current end of file belong to nodes the
		// interrupted flush never managed to append; nothing to undo.
		if physNumber >= nodeCount {
			return nil
		}
		return host.WriteNode(physNumber, ciphertext)
	})
	if err != nil {
		return err
	}
	if err := host.Flush(); err != nil {
		return err
	}

	if err := fs.Remove(recoveryPath); err != nil {
		return fsErr(CodeIOError, "recover", recoveryPath, err)
	}
	return nil
}

// Remove deletes a protected file and its journal, if any. It does not
// require the file's key; the host paths are untrusted to begin with.
func Remove(fs absfs.FileSystem, path string) error {
	if len(path) == 0 || len(path) > FullnameMaxLen {
		return fsErr(CodeInvalidParameter, "remove", path, nil)
	}
	if err := fs.Remove(path); err != nil {
		return fsErr(CodeIOError, "remove", path, err)
	}
	if rp := RecoveryPath(path); hostExists(fs, rp) {
		if err := fs.Remove(rp); err != nil {
			return fsErr(CodeIOError, "remove", rp, err)
		}
	}
	return nil
}
